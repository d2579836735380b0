/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine_test.go
Description: Integration-style tests for the engine. Simulates a target
process in-process: registration through the control plane, the
start/finish handshake over a real signal link, mirrored counter updates,
and coverage-driven corpus growth.
*/

package engine_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kleascm/akaylee-runtime/pkg/coverage"
	"github.com/kleascm/akaylee-runtime/pkg/engine"
	"github.com/kleascm/akaylee-runtime/pkg/options"
	"github.com/kleascm/akaylee-runtime/pkg/process"
	"github.com/kleascm/akaylee-runtime/pkg/shmem"
	"github.com/kleascm/akaylee-runtime/pkg/signallink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is a ProcessHandle whose termination is driven by the test
type fakeHandle struct {
	mu       sync.Mutex
	done     chan struct{}
	exitCode int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int { return os.Getpid() }

func (h *fakeHandle) Wait() (int, bool, int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, false, 0, nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}

// simulatedTarget plays the target side of the protocol: on every start
// signal it reads the current test input, bumps a counter derived from it,
// refreshes the mirror, and reports the iteration finished.
type simulatedTarget struct {
	peer     *signallink.Endpoint
	input    *shmem.Channel
	counters []byte
	mirror   *shmem.Channel
}

func (s *simulatedTarget) run() {
	for {
		bits, closed, err := s.peer.Recv()
		if closed || err != nil {
			return
		}
		sig := signallink.Signal(bits)
		if sig&(signallink.SignalStart|signallink.SignalStartLeakCheck) == 0 {
			continue
		}

		// A distinct input length exercises a distinct counter
		in := s.input.Data()
		s.counters[len(in)%len(s.counters)] = 1
		s.mirror.Update()

		finish := signallink.SignalFinish
		if sig&signallink.SignalStartLeakCheck != 0 {
			finish = signallink.SignalFinishWithLeak
		}
		if s.peer.Send(uint64(finish)) != nil {
			return
		}
	}
}

// startTarget registers a simulated target with the engine and waits for
// its proxy to connect
func startTarget(t *testing.T, eng *engine.Engine, targetID uint64) (*process.Proxy, *simulatedTarget, *fakeHandle) {
	t.Helper()

	local, peer, err := signallink.NewEndpointPair()
	require.NoError(t, err)

	h := newFakeHandle()
	require.NotNil(t, eng.Registry().Initialize(targetID, h, local))

	var proxy *process.Proxy
	require.Eventually(t, func() bool {
		var ok bool
		proxy, ok = eng.Proxy(targetID)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "proxy did not connect")

	inputHandle, err := proxy.AttachTestInput()
	require.NoError(t, err)
	input := &shmem.Channel{}
	require.NoError(t, input.LinkReserved(inputHandle))

	counters := make([]byte, 16)
	mirror := &shmem.Channel{}
	require.NoError(t, mirror.Mirror("counters", counters))
	counterHandle, err := mirror.Share()
	require.NoError(t, err)

	id := coverage.NewModuleID([]uint64{0x1000, 0x1040, 0x10c0})
	require.True(t, eng.Registry().AddModule(targetID, id, counterHandle))
	require.Eventually(t, func() bool {
		_, ok := eng.Pool().Lookup(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "module did not register")

	sim := &simulatedTarget{peer: peer, input: input, counters: counters, mirror: mirror}
	go sim.run()

	t.Cleanup(func() {
		input.Reset()
		mirror.Reset()
		peer.Close()
	})
	return proxy, sim, h
}

// TestEngineIterationFlow tests a full iteration cycle: new coverage grows
// the corpus, repeated coverage does not
func TestEngineIterationFlow(t *testing.T) {
	opts := options.New()
	opts.RunLimit = 5 * time.Second
	opts.PulseInterval = 100 * time.Millisecond
	eng := engine.NewEngine(opts, nil)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	proxy, _, _ := startTarget(t, eng, 1)

	// First input discovers a feature and enters the corpus
	res, err := eng.RunIteration(proxy, []byte("abc"))
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.False(t, res.LeakSuspected)
	assert.Equal(t, 1, res.NewFeatures)
	assert.Equal(t, 2, eng.Corpus().NumInputs())

	// The same input again discovers nothing new
	res, err = eng.RunIteration(proxy, []byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewFeatures)
	assert.Equal(t, 2, eng.Corpus().NumInputs())

	// A different length exercises a new counter
	res, err = eng.RunIteration(proxy, []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewFeatures)
	assert.Equal(t, 3, eng.Corpus().NumInputs())

	snap := eng.Stats().Snapshot()
	assert.Equal(t, int64(3), snap.Iterations)
	assert.Equal(t, int64(2), snap.NewFeatures)
	assert.Equal(t, int64(1), snap.Processes)
	assert.Equal(t, int64(1), snap.Modules)
}

// TestEngineLeakSuspicion tests that leak-checked iterations propagate the
// target's suspicion
func TestEngineLeakSuspicion(t *testing.T) {
	opts := options.New()
	opts.DetectLeaks = true
	opts.RunLimit = 5 * time.Second
	opts.PulseInterval = 100 * time.Millisecond
	eng := engine.NewEngine(opts, nil)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	proxy, _, _ := startTarget(t, eng, 1)

	res, err := eng.RunIteration(proxy, []byte("leaky"))
	require.NoError(t, err)
	assert.True(t, res.LeakSuspected)
	assert.Equal(t, int64(1), eng.Stats().Snapshot().LeakSuspects)
}

// TestEngineRunLimitTimeout tests that a silent target is killed at the
// run limit and the iteration reports a timeout
func TestEngineRunLimitTimeout(t *testing.T) {
	opts := options.New()
	opts.RunLimit = 100 * time.Millisecond
	opts.PulseInterval = 100 * time.Millisecond
	eng := engine.NewEngine(opts, nil)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	local, peer, err := signallink.NewEndpointPair()
	require.NoError(t, err)
	defer peer.Close()

	h := newFakeHandle()
	require.NotNil(t, eng.Registry().Initialize(1, h, local))

	var proxy *process.Proxy
	require.Eventually(t, func() bool {
		var ok bool
		proxy, ok = eng.Proxy(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err = proxy.AttachTestInput()
	require.NoError(t, err)

	// The target never answers the start signal
	res, err := eng.RunIteration(proxy, []byte("hang"))
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, process.ResultTimeout, proxy.Join())
	assert.Equal(t, int64(1), eng.Stats().Snapshot().Timeouts)
}

// TestEngineStopIdempotent tests that stopping twice and stopping with a
// live target both complete
func TestEngineStopIdempotent(t *testing.T) {
	opts := options.New()
	opts.PulseInterval = 100 * time.Millisecond
	eng := engine.NewEngine(opts, nil)
	require.NoError(t, eng.Start())

	startTarget(t, eng, 1)

	eng.Stop()
	eng.Stop()

	// Registration after stop is rejected
	local, peer, err := signallink.NewEndpointPair()
	require.NoError(t, err)
	defer local.Close()
	defer peer.Close()
	assert.Nil(t, eng.Registry().Initialize(2, newFakeHandle(), local))
}

// TestEngineRunIterationBeforeStart tests that driving an engine that was
// never started fails with an error rather than a panic
func TestEngineRunIterationBeforeStart(t *testing.T) {
	opts := options.New()
	eng := engine.NewEngine(opts, nil)
	proxy := process.NewProxy(opts, eng.Pool(), nil)

	res, err := eng.RunIteration(proxy, []byte("abc"))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	// Same after a full start/stop cycle
	require.NoError(t, eng.Start())
	eng.Stop()
	_, err = eng.RunIteration(proxy, []byte("abc"))
	assert.Error(t, err)
}
