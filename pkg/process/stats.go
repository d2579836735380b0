/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stats.go
Description: Resource usage collection and thread dumping for target
processes. Reads the procfs views of a live pid so statistics can be
gathered while an iteration is running, without stopping the target.
*/

package process

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// nominal stall charged per major page fault; procfs exposes fault counts,
// not fault latencies.
const majorFaultCost = time.Millisecond

// collectStats gathers a point-in-time resource snapshot for pid from
// procfs. Safe to call concurrently with a running iteration: every read
// is an independent, racy-but-consistent-enough procfs snapshot.
func collectStats(pid int) (*interfaces.ProcessStats, error) {
	stats := &interfaces.ProcessStats{CollectionTime: time.Now()}
	page := uint64(unix.Getpagesize())

	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read statm for pid %d: %w", pid, err)
	}
	fields := strings.Fields(string(statm))
	if len(fields) >= 3 {
		size, _ := strconv.ParseUint(fields[0], 10, 64)
		resident, _ := strconv.ParseUint(fields[1], 10, 64)
		shared, _ := strconv.ParseUint(fields[2], 10, 64)
		stats.MappedBytes = size * page
		if resident > shared {
			stats.PrivateBytes = (resident - shared) * page
		}
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read stat for pid %d: %w", pid, err)
	}
	// comm may contain spaces; fields are positional after the closing
	// paren.
	raw := string(stat)
	if i := strings.LastIndexByte(raw, ')'); i >= 0 {
		after := strings.Fields(raw[i+1:])
		// after[0] is state; utime/stime are stat fields 14/15,
		// majflt is 12, num_threads is 20. USER_HZ is 100 on Linux.
		tick := time.Second / 100
		if len(after) >= 18 {
			majflt, _ := strconv.ParseUint(after[9], 10, 64)
			utime, _ := strconv.ParseUint(after[11], 10, 64)
			stime, _ := strconv.ParseUint(after[12], 10, 64)
			threads, _ := strconv.Atoi(after[17])
			stats.CPUTime = time.Duration(utime+stime) * tick
			stats.PageFaultTime = time.Duration(majflt) * majorFaultCost
			stats.ThreadCount = threads
		}
	}

	// schedstat's second field is time spent waiting on a run queue,
	// the closest procfs gets to lock/scheduler contention.
	if sched, err := os.ReadFile(fmt.Sprintf("/proc/%d/schedstat", pid)); err == nil {
		fields := strings.Fields(string(sched))
		if len(fields) >= 2 {
			delay, _ := strconv.ParseUint(fields[1], 10, 64)
			stats.LockWaitTime = time.Duration(delay) * time.Nanosecond
		}
	}

	return stats, nil
}

// dumpThreads writes a best-effort textual snapshot of every thread in
// pid, truncated to max bytes. Used to diagnose iterations that exceed
// their time limit; unreadable entries are skipped, never waited on.
func dumpThreads(w io.Writer, pid, max int) (int, error) {
	tasks, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return 0, fmt.Errorf("failed to list threads of pid %d: %w", pid, err)
	}
	written := 0
	for _, task := range tasks {
		tid := task.Name()
		base := filepath.Join("/proc", strconv.Itoa(pid), "task", tid)
		comm := readTrimmed(filepath.Join(base, "comm"))
		state := statusField(filepath.Join(base, "status"), "State:")
		wchan := readTrimmed(filepath.Join(base, "wchan"))
		line := fmt.Sprintf("thread %s (%s) state=%s wchan=%s\n", tid, comm, state, wchan)
		if max > 0 && written+len(line) > max {
			line = line[:max-written]
		}
		n, err := io.WriteString(w, line)
		written += n
		if err != nil {
			return written, err
		}
		if max > 0 && written >= max {
			break
		}
	}
	return written, nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "?"
	}
	return strings.TrimSpace(string(data))
}

func statusField(path, key string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "?"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, key) {
			return strings.TrimSpace(strings.TrimPrefix(line, key))
		}
	}
	return "?"
}
