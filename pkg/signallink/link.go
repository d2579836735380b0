/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: link.go
Description: Signal link implementation for the Akaylee Runtime. A link owns
one end of a duplex notification channel and a dedicated wait goroutine that
turns raw wake bits into semantic signal callbacks. It is the rendezvous
primitive behind every cross-process handshake in the runtime: the shared
memory channels carry the data, the signal link says when it is safe to look.
*/

package signallink

import (
	"fmt"
	"sync"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// Signal is one of the five semantic notification values exchanged over a
// link. The link itself is value-agnostic and only moves bits; meaning is
// assigned by the process proxy and the target adapter.
type Signal uint64

const (
	// SignalSync is a generic rendezvous acknowledgement.
	SignalSync Signal = 1 << iota

	// SignalStart tells the target to clear its module counters and run
	// the next test case.
	SignalStart

	// SignalStartLeakCheck is Start plus a request to track allocation
	// balance during the run.
	SignalStartLeakCheck

	// SignalFinish reports completion of an iteration.
	SignalFinish

	// SignalFinishWithLeak is Finish plus a suspicion that the finished
	// run leaked memory.
	SignalFinishWithLeak
)

// String returns the semantic name of a signal value for logging.
func (s Signal) String() string {
	switch s {
	case SignalSync:
		return "sync"
	case SignalStart:
		return "start"
	case SignalStartLeakCheck:
		return "start-leak-check"
	case SignalFinish:
		return "finish"
	case SignalFinishWithLeak:
		return "finish-with-leak"
	}
	return fmt.Sprintf("signal(%#x)", uint64(s))
}

// State is the lifecycle state of a link.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateStopped
)

// Handler receives observed signals on the wait goroutine. closed is false
// for ordinary deliveries; returning false stops the loop. After the loop
// ends, for whatever reason, the handler is invoked exactly once more with
// closed=true and its return value is ignored.
type Handler func(s Signal, closed bool) bool

// Link owns one end of a duplex notification channel plus the single
// background goroutine that reads it. All mutation goes through the owning
// object; the wait goroutine is the channel's only reader.
type Link struct {
	mu      sync.Mutex
	state   State
	ep      interfaces.DuplexChannel
	handler Handler
	done    chan struct{}
}

// NewLink returns an unconnected link.
func NewLink() *Link {
	return &Link{}
}

// Create allocates both ends of a fresh channel, keeps one, starts the
// wait goroutine, and returns the other end for transfer to a peer.
// Valid in the Unconnected and Stopped states.
func (l *Link) Create(handler Handler) (*Endpoint, error) {
	local, peer, err := NewEndpointPair()
	if err != nil {
		return nil, err
	}
	if err := l.Pair(local, handler); err != nil {
		local.Close()
		peer.Close()
		return nil, err
	}
	return peer, nil
}

// Pair takes ownership of an externally-created endpoint and starts the
// wait goroutine. A nil endpoint is an integration defect, not a runtime
// condition, and is rejected with an error the caller should treat as
// fatal.
func (l *Link) Pair(ep interfaces.DuplexChannel, handler Handler) error {
	if ep == nil {
		return fmt.Errorf("signal link paired with nil endpoint")
	}
	if handler == nil {
		return fmt.Errorf("signal link paired with nil handler")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateConnected {
		return fmt.Errorf("signal link already connected")
	}
	l.ep = ep
	l.handler = handler
	l.done = make(chan struct{})
	l.state = StateConnected
	go l.waitLoop(ep, handler, l.done)
	return nil
}

// State returns the link's current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SignalPeer sends notification bits to the peer. Returns false without
// error if the link is stopped or the peer is gone; the caller decides
// whether that matters.
func (l *Link) SignalPeer(s Signal) bool {
	l.mu.Lock()
	ep := l.ep
	connected := l.state == StateConnected
	l.mu.Unlock()
	if !connected || ep == nil {
		return false
	}
	return ep.Send(uint64(s)) == nil
}

// waitLoop blocks on the channel until bits arrive or the conversation
// ends. Reading the endpoint consumes (clears) the observed bits. The
// terminal closed=true callback fires exactly once.
func (l *Link) waitLoop(ep interfaces.DuplexChannel, handler Handler, done chan struct{}) {
	defer close(done)
	for {
		bits, closed, _ := ep.Recv()
		if closed {
			break
		}
		if !handler(Signal(bits), false) {
			break
		}
	}
	handler(0, true)
	l.mu.Lock()
	if l.done == done {
		l.state = StateStopped
	}
	l.mu.Unlock()
}

// Reset closes the local endpoint, forcing the peer (and a blocked wait
// goroutine) to observe closure, then joins the wait goroutine. Idempotent
// and callable from any goroutine except the wait loop itself.
func (l *Link) Reset() {
	l.mu.Lock()
	ep := l.ep
	done := l.done
	l.ep = nil
	if l.state != StateUnconnected {
		l.state = StateStopped
	}
	l.mu.Unlock()
	if ep != nil {
		ep.Close()
	}
	if done != nil {
		<-done
	}
}

// Join blocks until the wait goroutine has exited without forcing closure.
// Used when the caller already knows the peer is finishing.
func (l *Link) Join() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}
