/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stats.go
Description: Runtime statistics for the Akaylee Runtime engine. Atomic
counters updated from iteration and registration paths, read by the CLI's
periodic reporting and final session summary.
*/

package engine

import (
	"sync/atomic"
	"time"
)

// Stats tracks engine-wide counters. All updates are atomic so any
// goroutine may report while iterations run.
type Stats struct {
	Iterations   int64     `json:"iterations"`
	NewFeatures  int64     `json:"new_features"`
	Processes    int64     `json:"processes"`
	Modules      int64     `json:"modules"`
	Timeouts     int64     `json:"timeouts"`
	LeakSuspects int64     `json:"leak_suspects"`
	StartTime    time.Time `json:"start_time"`
}

// NewStats creates zeroed statistics stamped with the current time.
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// IncrementIterations atomically bumps the iteration counter.
func (s *Stats) IncrementIterations() {
	atomic.AddInt64(&s.Iterations, 1)
}

// IncrementProcesses atomically bumps the connected-process counter.
func (s *Stats) IncrementProcesses() {
	atomic.AddInt64(&s.Processes, 1)
}

// IncrementModules atomically bumps the registered-module counter.
func (s *Stats) IncrementModules() {
	atomic.AddInt64(&s.Modules, 1)
}

// IncrementTimeouts atomically bumps the run-limit kill counter.
func (s *Stats) IncrementTimeouts() {
	atomic.AddInt64(&s.Timeouts, 1)
}

// IncrementLeakSuspects atomically bumps the leak-suspicion counter.
func (s *Stats) IncrementLeakSuspects() {
	atomic.AddInt64(&s.LeakSuspects, 1)
}

// AddNewFeatures atomically adds n newly discovered features.
func (s *Stats) AddNewFeatures(n int64) {
	atomic.AddInt64(&s.NewFeatures, n)
}

// Snapshot returns a consistent-enough copy for reporting.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Iterations:   atomic.LoadInt64(&s.Iterations),
		NewFeatures:  atomic.LoadInt64(&s.NewFeatures),
		Processes:    atomic.LoadInt64(&s.Processes),
		Modules:      atomic.LoadInt64(&s.Modules),
		Timeouts:     atomic.LoadInt64(&s.Timeouts),
		LeakSuspects: atomic.LoadInt64(&s.LeakSuspects),
		StartTime:    s.StartTime,
	}
}

// Rate returns iterations per second since start.
func (s *Stats) Rate() float64 {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.Iterations)) / elapsed
}
