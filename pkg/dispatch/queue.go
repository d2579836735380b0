/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: queue.go
Description: Registration dispatch queue for the Akaylee Runtime. Hands
process-started and module-added events from any number of producer
goroutines to a single long-poll consumer in strict submission order.
*/

package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind tags what a registration event announces.
type EventKind int

const (
	// EventProcess announces a newly connected target process.
	EventProcess EventKind = iota

	// EventModule announces a newly registered module's counters.
	EventModule
)

// String returns the kind's name for logging.
func (k EventKind) String() string {
	switch k {
	case EventProcess:
		return "process"
	case EventModule:
		return "module"
	}
	return "unknown"
}

// Event is one registration hand-off. Payload is opaque to the queue;
// producers put handle-carrying registration records in it and the
// consumer type-switches them back out.
type Event struct {
	ID       uuid.UUID
	Kind     EventKind
	TargetID uint64
	Payload  interface{}
	Enqueued time.Time
}

// Queue is a FIFO hand-off from many producers to one blocking consumer.
// A single mutex guards the deque; Stop is terminal and idempotent.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	events  []*Event
	stopped bool

	// Performance tracking
	enqueued int64
	dequeued int64
}

// NewQueue creates an empty, running queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddProcessEvent enqueues a process-started event. Returns false if the
// queue is stopped.
func (q *Queue) AddProcessEvent(targetID uint64, payload interface{}) bool {
	return q.add(EventProcess, targetID, payload)
}

// AddModuleEvent enqueues a module-added event. Returns false if the
// queue is stopped.
func (q *Queue) AddModuleEvent(targetID uint64, payload interface{}) bool {
	return q.add(EventModule, targetID, payload)
}

func (q *Queue) add(kind EventKind, targetID uint64, payload interface{}) bool {
	event := &Event{
		ID:       uuid.New(),
		Kind:     kind,
		TargetID: targetID,
		Payload:  payload,
		Enqueued: time.Now(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.events = append(q.events, event)
	q.enqueued++
	q.cond.Signal()
	return true
}

// GetEvent blocks until an event is available or the queue is stopped.
// ok is false only after Stop.
func (q *Queue) GetEvent() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, false
	}
	event := q.events[0]
	q.events = q.events[1:]
	q.dequeued++
	return event, true
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Stop marks the queue closed, discards pending events, and releases all
// blocked waiters. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.events = nil
	q.cond.Broadcast()
}

// Stopped reports whether Stop has been called.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
