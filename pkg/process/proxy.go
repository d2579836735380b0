/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: proxy.go
Description: Process proxy for the Akaylee Runtime. Controls the lifecycle
of one instrumented target process: binds its signal link, feeds its module
counters into the shared module pool, drives the per-iteration start/finish
handshake, and classifies termination into a fuzzing result with fixed
precedence rules.
*/

package process

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kleascm/akaylee-runtime/pkg/coverage"
	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
	"github.com/kleascm/akaylee-runtime/pkg/options"
	"github.com/kleascm/akaylee-runtime/pkg/shmem"
	"github.com/kleascm/akaylee-runtime/pkg/signallink"
)

// Result classifies how a target process came out of an iteration or a
// whole session. These are first-class outcomes surfaced to the engine,
// not errors of the runtime itself.
type Result int

const (
	ResultNoErrors Result = iota
	ResultBadMalloc
	ResultCrash
	ResultDeath
	ResultExit
	ResultLeak
	ResultOOM
	ResultTimeout
)

// String returns the result's name for logging and reports.
func (r Result) String() string {
	switch r {
	case ResultNoErrors:
		return "no-errors"
	case ResultBadMalloc:
		return "bad-malloc"
	case ResultCrash:
		return "crash"
	case ResultDeath:
		return "death"
	case ResultExit:
		return "exit"
	case ResultLeak:
		return "leak"
	case ResultOOM:
		return "oom"
	case ResultTimeout:
		return "timeout"
	}
	return "unknown"
}

// State is the proxy's lifecycle state. The per-iteration states cycle
// between Connected and Terminated.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateStarting
	StateRunning
	StateFinishing
	StateTerminated
)

// CrashInfo carries an asynchronous crash/exception notification. It
// arrives outside the exit-code path (e.g. from an exception channel or a
// crash introspector) and outranks any exit-code classification.
type CrashInfo struct {
	Description string
	Address     uintptr
	Time        time.Time
}

// feedback is one registered coverage link: the mirrored channel mapping
// plus the module proxy its bytes were registered with.
type feedback struct {
	channel *shmem.Channel
	proxy   *coverage.ModuleProxy
}

// Proxy drives one instrumented target process. Join may be called from
// any goroutine except the signal link's wait loop.
type Proxy struct {
	ID uuid.UUID

	logger *logrus.Logger
	opts   *options.Options
	pool   *coverage.ModulePool
	link   *signallink.Link

	mu            sync.Mutex
	state         State
	handle        interfaces.ProcessHandle
	input         *shmem.Channel
	feedbacks     []*feedback
	leakSuspected bool
	crash         *CrashInfo
	killed        bool
	result        Result
	exitCode      int
	finished      chan struct{} // per-iteration finish observation
	terminated    chan struct{} // closed once the monitor goroutine is done
}

// NewProxy creates an unconnected proxy that aggregates coverage into
// pool under the given operating configuration.
func NewProxy(opts *options.Options, pool *coverage.ModulePool, logger *logrus.Logger) *Proxy {
	if logger == nil {
		logger = logrus.New()
	}
	return &Proxy{
		ID:     uuid.New(),
		logger: logger,
		opts:   opts,
		pool:   pool,
		link:   signallink.NewLink(),
	}
}

// Options returns the operating configuration handed to the target.
func (p *Proxy) Options() *options.Options { return p.opts }

// State returns the proxy's current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connect binds the per-process signal link and process handle, starts the
// wait goroutine and the termination monitor, and moves the proxy to
// Connected.
func (p *Proxy) Connect(ep interfaces.DuplexChannel, handle interfaces.ProcessHandle) error {
	if handle == nil {
		return fmt.Errorf("process proxy connected with nil process handle")
	}
	p.mu.Lock()
	if p.state != StateUnconnected {
		p.mu.Unlock()
		return fmt.Errorf("process proxy already connected")
	}
	p.handle = handle
	p.state = StateConnected
	p.finished = make(chan struct{})
	p.terminated = make(chan struct{})
	p.mu.Unlock()

	if err := p.link.Pair(ep, p.onSignal); err != nil {
		p.mu.Lock()
		p.state = StateUnconnected
		p.handle = nil
		p.mu.Unlock()
		return err
	}

	go p.monitor()

	p.logger.WithFields(logrus.Fields{
		"proxy": p.ID,
		"pid":   handle.Pid(),
	}).Info("Target process connected")
	return nil
}

// onSignal runs on the link's wait goroutine and turns raw bits into
// iteration-handshake observations.
func (p *Proxy) onSignal(s signallink.Signal, closed bool) bool {
	if closed {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case s&(signallink.SignalFinish|signallink.SignalFinishWithLeak) != 0:
		// Leak suspicion comes strictly from the signal variant the
		// target chose; the engine never recomputes it.
		p.leakSuspected = s&signallink.SignalFinishWithLeak != 0
		p.state = StateFinishing
		select {
		case <-p.finished:
		default:
			close(p.finished)
		}
	case s&signallink.SignalSync != 0:
		// Rendezvous ack; nothing to record.
	default:
		p.logger.WithFields(logrus.Fields{
			"proxy":  p.ID,
			"signal": s.String(),
		}).Warn("Unexpected signal from target")
	}
	return true
}

// AttachTestInput reserves the shared channel this process reads its test
// inputs from and returns a duplicated handle for transfer to the target.
func (p *Proxy) AttachTestInput() (interfaces.SharedRegion, error) {
	channel := &shmem.Channel{}
	if err := channel.Reserve("test-input", int(p.opts.MaxInputSize)); err != nil {
		return nil, err
	}
	handle, err := channel.Share()
	if err != nil {
		channel.Reset()
		return nil, err
	}
	p.mu.Lock()
	if p.input != nil {
		p.input.Reset()
	}
	p.input = channel
	p.mu.Unlock()
	return handle, nil
}

// AdoptTestInput links an input channel that was reserved elsewhere, for
// launchers that must hand the region to the target before it starts.
func (p *Proxy) AdoptTestInput(handle interfaces.SharedRegion) error {
	channel := &shmem.Channel{}
	if err := channel.LinkReserved(handle); err != nil {
		return err
	}
	p.mu.Lock()
	if p.input != nil {
		p.input.Reset()
	}
	p.input = channel
	p.mu.Unlock()
	return nil
}

// WriteInput replaces the contents of the test input channel. The target
// must not be mid-iteration; the signal handshake guarantees that.
func (p *Proxy) WriteInput(data []byte) error {
	p.mu.Lock()
	channel := p.input
	p.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("no test input channel attached")
	}
	if err := channel.Clear(); err != nil {
		return err
	}
	_, err := channel.Write(data)
	return err
}

// AddFeedback links a shared counter region in mirrored mode and registers
// its mapped bytes with the module pool, so this process's counters
// aggregate into the module's shared coverage record.
func (p *Proxy) AddFeedback(id coverage.ModuleID, handle interfaces.SharedRegion) error {
	channel := &shmem.Channel{}
	if err := channel.LinkMirrored(handle); err != nil {
		return err
	}
	proxy := p.pool.Get(id, channel.Size())
	if err := proxy.Add(channel.Data()); err != nil {
		channel.Reset()
		return err
	}
	p.mu.Lock()
	p.feedbacks = append(p.feedbacks, &feedback{channel: channel, proxy: proxy})
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"proxy":    p.ID,
		"module":   id.String(),
		"counters": channel.Size(),
	}).Debug("Module feedback registered")
	return nil
}

// Start begins the next iteration. The target clears its own counters on
// receipt and runs the next test case; detectLeaks asks it to track
// allocation balance as well.
func (p *Proxy) Start(detectLeaks bool) error {
	p.mu.Lock()
	switch p.state {
	case StateConnected, StateFinishing:
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot start iteration in state %d", state)
	}
	p.state = StateStarting
	p.leakSuspected = false
	p.finished = make(chan struct{})
	p.mu.Unlock()

	s := signallink.SignalStart
	if detectLeaks {
		s = signallink.SignalStartLeakCheck
	}
	if !p.link.SignalPeer(s) {
		return fmt.Errorf("target is gone, cannot start iteration")
	}
	p.mu.Lock()
	if p.state == StateStarting {
		p.state = StateRunning
	}
	p.mu.Unlock()
	return nil
}

// Finish tells the target the engine is done with the current iteration.
// Returns false if the link is already stopped.
func (p *Proxy) Finish() bool {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateFinishing
	}
	p.mu.Unlock()
	return p.link.SignalPeer(signallink.SignalFinish)
}

// FinishObserved returns a channel closed once the target reports the
// current iteration finished.
func (p *Proxy) FinishObserved() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// LeakSuspected reports whether the last observed finish signal was the
// leak-suspected variant.
func (p *Proxy) LeakSuspected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leakSuspected
}

// NotifyCrash records an asynchronous crash/exception notification. It
// takes precedence over any exit-code classification.
func (p *Proxy) NotifyCrash(info CrashInfo) {
	if info.Time.IsZero() {
		info.Time = time.Now()
	}
	p.mu.Lock()
	if p.crash == nil {
		p.crash = &info
	}
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{
		"proxy": p.ID,
		"crash": info.Description,
	}).Error("Crash notification received")
}

// GetStats returns current resource usage of the target. Safe to call
// while an iteration is running.
func (p *Proxy) GetStats() (*interfaces.ProcessStats, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return nil, fmt.Errorf("process proxy not connected")
	}
	return collectStats(handle.Pid())
}

// Dump writes a best-effort snapshot of all target threads, truncated to
// max bytes. Never blocks indefinitely.
func (p *Proxy) Dump(w io.Writer, max int) (int, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return 0, fmt.Errorf("process proxy not connected")
	}
	return dumpThreads(w, handle.Pid(), max)
}

// Kill forcefully terminates the target; used for run-limit enforcement.
// The following termination classifies as a timeout unless a crash
// notification is pending.
func (p *Proxy) Kill() error {
	p.mu.Lock()
	handle := p.handle
	p.killed = true
	p.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("process proxy not connected")
	}
	return handle.Kill()
}

// monitor waits for the process to terminate, classifies the outcome, and
// releases the coverage registrations and the signal link.
func (p *Proxy) monitor() {
	defer close(p.terminated)

	exitCode, signaled, sig, err := p.handle.Wait()
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"proxy": p.ID,
			"error": err.Error(),
		}).Error("Failed to reap target process")
	}

	p.mu.Lock()
	p.result = p.classifyLocked(exitCode, signaled)
	p.exitCode = exitCode
	p.state = StateTerminated
	feedbacks := p.feedbacks
	p.feedbacks = nil
	result := p.result
	p.mu.Unlock()

	for _, fb := range feedbacks {
		fb.proxy.Remove(fb.channel.Data())
		fb.channel.Reset()
	}
	p.mu.Lock()
	input := p.input
	p.input = nil
	p.mu.Unlock()
	if input != nil {
		input.Reset()
	}
	p.link.Reset()

	p.logger.WithFields(logrus.Fields{
		"proxy":     p.ID,
		"result":    result.String(),
		"exit_code": exitCode,
		"signaled":  signaled,
		"signal":    sig,
	}).Info("Target process terminated")
}

// classifyLocked applies the fixed precedence order: pending crash
// notification, then timeout kill, then malloc limit, death signal, leak,
// OOM, generic nonzero exit, and finally no errors. Caller holds p.mu.
func (p *Proxy) classifyLocked(exitCode int, signaled bool) Result {
	switch {
	case p.crash != nil:
		return ResultCrash
	case p.killed:
		return ResultTimeout
	case int32(exitCode) == p.opts.MallocExitcode:
		return ResultBadMalloc
	case signaled || int32(exitCode) == p.opts.DeathExitcode:
		return ResultDeath
	case int32(exitCode) == p.opts.LeakExitcode:
		return ResultLeak
	case int32(exitCode) == p.opts.OOMExitcode:
		return ResultOOM
	case exitCode != 0:
		return ResultExit
	}
	return ResultNoErrors
}

// ExitCode returns the raw exit code observed at termination, zero before
// the process has terminated or when it died on a signal.
func (p *Proxy) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Join blocks until the process has fully terminated and returns the
// final result. It logs a periodic diagnostic while waiting but never
// gives up; run-limit enforcement is the engine's job via Kill.
func (p *Proxy) Join() Result {
	p.mu.Lock()
	terminated := p.terminated
	pulse := p.opts.PulseInterval
	p.mu.Unlock()
	if terminated != nil {
		signallink.WaitWithPulse(terminated, "target process termination", pulse, p.logger)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

var _ interfaces.ProcessController = (*controllerAdapter)(nil)

// controllerAdapter exposes a Proxy through the narrow ProcessController
// interface used by the engine loop.
type controllerAdapter struct {
	p *Proxy
}

// Controller returns the proxy as a ProcessController.
func (p *Proxy) Controller() interfaces.ProcessController {
	return &controllerAdapter{p: p}
}

func (a *controllerAdapter) Start(detectLeaks bool) error { return a.p.Start(detectLeaks) }
func (a *controllerAdapter) Finish() error {
	if !a.p.Finish() {
		return fmt.Errorf("target is gone")
	}
	return nil
}
func (a *controllerAdapter) GetStats() (*interfaces.ProcessStats, error) { return a.p.GetStats() }
func (a *controllerAdapter) Kill() error                                 { return a.p.Kill() }
