/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interfaces.go
Description: Capability interfaces for the Akaylee Runtime. Models the raw OS
resources the runtime hands across process boundaries (shared memory regions,
duplex notification channels, process handles) as small opaque interfaces so
each piece of protocol logic stays independent of the concrete primitive.
*/

package interfaces

import (
	"time"
)

// SharedRegion is a shareable memory-region handle. A region can be
// duplicated and transferred to a peer process, which maps the same
// physical pages.
type SharedRegion interface {
	// Fd returns the underlying file descriptor of the region.
	Fd() int

	// Size returns the declared size of the region in bytes.
	Size() int

	// Dup duplicates the handle so it can be handed to a peer without
	// giving up local ownership.
	Dup() (SharedRegion, error)

	// Close releases the handle. Mappings created from it stay valid.
	Close() error
}

// DuplexChannel is one end of a bidirectional notification channel.
// Writes deliver fixed-size signal words to the peer; reads block until a
// word arrives or the peer closes its end.
type DuplexChannel interface {
	// Send delivers one signal word to the peer.
	Send(bits uint64) error

	// Recv blocks until a signal word is available. closed reports that
	// the peer has closed its end; bits is zero in that case.
	Recv() (bits uint64, closed bool, err error)

	// Close closes this end. A Recv blocked on the channel is released.
	Close() error
}

// ProcessHandle is an opaque handle to a (possibly already running) target
// process.
type ProcessHandle interface {
	// Pid returns the OS process id.
	Pid() int

	// Wait blocks until the process terminates and returns its exit
	// status: the exit code for a normal exit, or the signal number for
	// a signal-induced death (with signaled=true).
	Wait() (exitCode int, signaled bool, signal int, err error)

	// Kill forcefully terminates the process.
	Kill() error
}

// ProcessStats is a read-only snapshot of a target process's resource
// usage, safe to collect while an iteration is running.
type ProcessStats struct {
	MappedBytes    uint64        `json:"mapped_bytes"`    // total mapped memory
	PrivateBytes   uint64        `json:"private_bytes"`   // resident private memory
	CPUTime        time.Duration `json:"cpu_time"`        // user + system time
	PageFaultTime  time.Duration `json:"page_fault_time"` // major fault stall estimate
	LockWaitTime   time.Duration `json:"lock_wait_time"`  // run-queue delay
	ThreadCount    int           `json:"thread_count"`
	CollectionTime time.Time     `json:"collection_time"`
}

// ProcessController drives one instrumented target process through
// fuzzing iterations. The concrete implementation lives in pkg/process;
// tests substitute doubles.
type ProcessController interface {
	// Start begins the next iteration, optionally asking the target to
	// run its leak check at the end of the run.
	Start(detectLeaks bool) error

	// Finish tells the target the engine is done with the current
	// iteration.
	Finish() error

	// GetStats collects current resource usage of the target.
	GetStats() (*ProcessStats, error)

	// Kill forcefully terminates the target, e.g. on timeout.
	Kill() error
}

// CoverageProvider aggregates coverage feedback across one or more
// registered counter regions.
type CoverageProvider interface {
	// Measure returns the number of features currently observable
	// without recording them.
	Measure() int

	// Accumulate records currently observable features and returns how
	// many of them were not seen before.
	Accumulate() int

	// Clear forgets all recorded features.
	Clear()
}
