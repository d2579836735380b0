/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: link_test.go
Description: Unit tests for signal endpoints and links. Tests round-trip
signal delivery, handler dispatch on the wait goroutine, terminal closure
callbacks, reset idempotence, and concurrent use.
*/

package signallink_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kleascm/akaylee-runtime/pkg/signallink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEndpointRoundTrip tests raw word transfer between paired endpoints
func TestEndpointRoundTrip(t *testing.T) {
	a, b, err := signallink.NewEndpointPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(uint64(signallink.SignalStart)))
	bits, closed, err := b.Recv()
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, uint64(signallink.SignalStart), bits)

	// Each direction is independent
	require.NoError(t, b.Send(uint64(signallink.SignalFinish)))
	bits, closed, err = a.Recv()
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, uint64(signallink.SignalFinish), bits)
}

// TestEndpointCloseObservedAsClosure tests that closing one end surfaces
// as closure, not an error, on the other
func TestEndpointCloseObservedAsClosure(t *testing.T) {
	a, b, err := signallink.NewEndpointPair()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close())

	_, closed, err := b.Recv()
	require.NoError(t, err)
	assert.True(t, closed)
}

// TestLinkDeliversSignals tests that signals sent by the peer reach the
// handler in order
func TestLinkDeliversSignals(t *testing.T) {
	var mu sync.Mutex
	var got []signallink.Signal

	link := signallink.NewLink()
	peer, err := link.Create(func(s signallink.Signal, closed bool) bool {
		if !closed {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}
		return true
	})
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, signallink.StateConnected, link.State())

	require.NoError(t, peer.Send(uint64(signallink.SignalSync)))
	require.NoError(t, peer.Send(uint64(signallink.SignalFinish)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []signallink.Signal{signallink.SignalSync, signallink.SignalFinish}, got)
	mu.Unlock()

	link.Reset()
}

// TestLinkSignalPeer tests the engine-to-target direction
func TestLinkSignalPeer(t *testing.T) {
	link := signallink.NewLink()
	peer, err := link.Create(func(signallink.Signal, bool) bool { return true })
	require.NoError(t, err)
	defer peer.Close()
	defer link.Reset()

	assert.True(t, link.SignalPeer(signallink.SignalStart))

	bits, closed, err := peer.Recv()
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, uint64(signallink.SignalStart), bits)
}

// TestLinkTerminalCallbackExactlyOnce tests that the closed=true callback
// fires exactly once however the conversation ends
func TestLinkTerminalCallbackExactlyOnce(t *testing.T) {
	var terminal atomic.Int32

	link := signallink.NewLink()
	peer, err := link.Create(func(s signallink.Signal, closed bool) bool {
		if closed {
			terminal.Add(1)
		}
		return true
	})
	require.NoError(t, err)

	// Peer disappears; the wait goroutine observes closure
	require.NoError(t, peer.Close())
	link.Join()

	assert.Equal(t, int32(1), terminal.Load())
	assert.Equal(t, signallink.StateStopped, link.State())

	// Reset after stop must not fire the callback again
	link.Reset()
	link.Reset()
	assert.Equal(t, int32(1), terminal.Load())
}

// TestLinkHandlerCanStopLoop tests that a false return ends the wait loop
// and still produces the terminal callback
func TestLinkHandlerCanStopLoop(t *testing.T) {
	var terminal atomic.Int32

	link := signallink.NewLink()
	peer, err := link.Create(func(s signallink.Signal, closed bool) bool {
		if closed {
			terminal.Add(1)
			return true
		}
		return false
	})
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.Send(uint64(signallink.SignalFinish)))
	link.Join()

	assert.Equal(t, int32(1), terminal.Load())
	assert.Equal(t, signallink.StateStopped, link.State())
}

// TestLinkResetUnblocksWait tests that Reset forces a blocked wait
// goroutine to exit
func TestLinkResetUnblocksWait(t *testing.T) {
	link := signallink.NewLink()
	peer, err := link.Create(func(signallink.Signal, bool) bool { return true })
	require.NoError(t, err)
	defer peer.Close()

	done := make(chan struct{})
	go func() {
		link.Reset()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not unblock the wait goroutine")
	}
	assert.False(t, link.SignalPeer(signallink.SignalStart))
}

// TestLinkReconnectAfterStop tests that a stopped link can be paired again
func TestLinkReconnectAfterStop(t *testing.T) {
	link := signallink.NewLink()

	peer, err := link.Create(func(signallink.Signal, bool) bool { return true })
	require.NoError(t, err)
	link.Reset()
	peer.Close()

	peer2, err := link.Create(func(signallink.Signal, bool) bool { return true })
	require.NoError(t, err)
	defer peer2.Close()

	assert.Equal(t, signallink.StateConnected, link.State())
	assert.True(t, link.SignalPeer(signallink.SignalSync))
	link.Reset()
}

// TestLinkConcurrentSignalAndReset tests that signaling racing a reset
// neither deadlocks nor panics
func TestLinkConcurrentSignalAndReset(t *testing.T) {
	for i := 0; i < 20; i++ {
		link := signallink.NewLink()
		peer, err := link.Create(func(signallink.Signal, bool) bool { return true })
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				link.SignalPeer(signallink.SignalSync)
			}
		}()
		go func() {
			defer wg.Done()
			link.Reset()
		}()
		wg.Wait()
		peer.Close()
	}
}
