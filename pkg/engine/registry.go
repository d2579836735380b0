/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: registry.go
Description: Control-plane registry for the Akaylee Runtime. Receives
process and module registrations from target-side instrumentation, hands
each new process its operating configuration, and exposes the registrations
to the engine as a long-poll event stream.
*/

package engine

import (
	"sync"

	"github.com/kleascm/akaylee-runtime/pkg/coverage"
	"github.com/kleascm/akaylee-runtime/pkg/dispatch"
	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
	"github.com/kleascm/akaylee-runtime/pkg/options"
)

// ProcessRegistration is the payload of a process-started event: the
// handle of the new target process plus the signal endpoint it created
// for its side of the handshake.
type ProcessRegistration struct {
	Handle   interfaces.ProcessHandle
	Endpoint interfaces.DuplexChannel
}

// ModuleRegistration is the payload of a module-added event: the module's
// identity plus the shared region holding its inline counters.
type ModuleRegistration struct {
	Module coverage.ModuleID
	Region interfaces.SharedRegion
}

// Registry implements the control-plane semantics: Initialize, AddModule,
// SetOptions/GetOptions, and WatchEvent. Transport framing around these
// calls is out of scope; many producer goroutines may call the Add side
// concurrently while one consumer long-polls WatchEvent.
type Registry struct {
	mu    sync.Mutex
	opts  *options.Options
	queue *dispatch.Queue
}

// NewRegistry creates a registry that hands out copies of opts to newly
// registered processes.
func NewRegistry(opts *options.Options) *Registry {
	if opts == nil {
		opts = options.New()
	}
	return &Registry{
		opts:  opts,
		queue: dispatch.NewQueue(),
	}
}

// Initialize registers a new target process and returns the operating
// configuration it should run under. A nil Options return means the
// registry is stopped.
func (r *Registry) Initialize(targetID uint64, handle interfaces.ProcessHandle, ep interfaces.DuplexChannel) *options.Options {
	if !r.queue.AddProcessEvent(targetID, &ProcessRegistration{Handle: handle, Endpoint: ep}) {
		return nil
	}
	return r.GetOptions()
}

// AddModule registers a new module's counters for aggregation. Returns
// false if the registry is stopped.
func (r *Registry) AddModule(targetID uint64, id coverage.ModuleID, region interfaces.SharedRegion) bool {
	return r.queue.AddModuleEvent(targetID, &ModuleRegistration{Module: id, Region: region})
}

// SetOptions replaces the configuration handed to future registrations.
func (r *Registry) SetOptions(opts *options.Options) {
	opts.ApplyDefaults()
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
}

// GetOptions returns a copy of the current configuration.
func (r *Registry) GetOptions() *options.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Copy()
}

// WatchEvent blocks until the next registration event arrives; ok is
// false only once the registry is stopped.
func (r *Registry) WatchEvent() (*dispatch.Event, bool) {
	return r.queue.GetEvent()
}

// Stop closes the event stream and releases blocked watchers. Idempotent.
func (r *Registry) Stop() {
	r.queue.Stop()
}
