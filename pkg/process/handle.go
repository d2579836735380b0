/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: handle.go
Description: Concrete process handle for the Akaylee Runtime. Wraps an
os.Process behind the ProcessHandle capability interface and decodes the
wait status into exit code versus death signal.
*/

package process

import (
	"fmt"
	"os"
	"syscall"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// OSHandle is the real ProcessHandle backed by an operating-system
// process.
type OSHandle struct {
	proc *os.Process
}

// NewOSHandle wraps an already started process.
func NewOSHandle(proc *os.Process) *OSHandle {
	return &OSHandle{proc: proc}
}

// Pid returns the OS process id.
func (h *OSHandle) Pid() int { return h.proc.Pid }

// Wait blocks until the process terminates. Signal-induced deaths are
// reported separately from exit codes so classification can tell them
// apart.
func (h *OSHandle) Wait() (int, bool, int, error) {
	state, err := h.proc.Wait()
	if err != nil {
		return 0, false, 0, fmt.Errorf("failed to wait for pid %d: %w", h.proc.Pid, err)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 0, true, int(ws.Signal()), nil
	}
	return state.ExitCode(), false, 0, nil
}

// Kill forcefully terminates the process.
func (h *OSHandle) Kill() error {
	return h.proc.Kill()
}

var _ interfaces.ProcessHandle = (*OSHandle)(nil)
