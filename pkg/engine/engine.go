/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine.go
Description: Engine core for the Akaylee Runtime. Owns the shared module
pool, the corpus, and the live process proxies; consumes registration
events to wire up new targets, and drives fuzzing iterations through the
start/finish handshake while folding coverage feedback back into the
corpus.
*/

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/akaylee-runtime/pkg/corpus"
	"github.com/kleascm/akaylee-runtime/pkg/coverage"
	"github.com/kleascm/akaylee-runtime/pkg/options"
	"github.com/kleascm/akaylee-runtime/pkg/process"
)

// IterationResult is what one driven iteration produced.
type IterationResult struct {
	NewFeatures   int
	LeakSuspected bool
	TimedOut      bool
	Input         []byte
}

// Engine aggregates coverage across all connected targets and drives the
// per-iteration handshake for each of them.
type Engine struct {
	opts     *options.Options
	logger   *logrus.Logger
	pool     *coverage.ModulePool
	corpus   *corpus.Corpus
	registry *Registry
	stats    *Stats

	mu      sync.Mutex
	proxies map[uint64]*process.Proxy
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine with a fresh pool, corpus, and registry.
func NewEngine(opts *options.Options, logger *logrus.Logger) *Engine {
	if opts == nil {
		opts = options.New()
	} else {
		opts.ApplyDefaults()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		opts:     opts,
		logger:   logger,
		pool:     coverage.NewModulePool(),
		corpus:   corpus.NewCorpus(opts.Seed, opts.MaxInputSize),
		registry: NewRegistry(opts),
		stats:    NewStats(),
		proxies:  make(map[uint64]*process.Proxy),
	}
}

// Registry returns the control-plane surface targets register through.
func (e *Engine) Registry() *Registry { return e.registry }

// Pool returns the shared module pool.
func (e *Engine) Pool() *coverage.ModulePool { return e.pool }

// Corpus returns the engine's corpus.
func (e *Engine) Corpus() *corpus.Corpus { return e.corpus }

// Stats returns the engine's statistics.
func (e *Engine) Stats() *Stats { return e.stats }

// Start launches the registration watch loop. Idempotent start errors are
// programmer mistakes, reported as errors.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	e.wg.Add(1)
	go e.watchLoop()
	e.logger.Info("Engine started")
	return nil
}

// watchLoop consumes registration events until the registry stops,
// turning process events into connected proxies and module events into
// coverage feedback on the owning proxy.
func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		event, ok := e.registry.WatchEvent()
		if !ok {
			return
		}
		switch payload := event.Payload.(type) {
		case *ProcessRegistration:
			if err := e.connectProcess(event.TargetID, payload); err != nil {
				e.logger.WithFields(logrus.Fields{
					"target": event.TargetID,
					"error":  err.Error(),
				}).Error("Failed to connect target process")
			}
		case *ModuleRegistration:
			if err := e.addModule(event.TargetID, payload); err != nil {
				e.logger.WithFields(logrus.Fields{
					"target": event.TargetID,
					"module": payload.Module.String(),
					"error":  err.Error(),
				}).Error("Failed to register module feedback")
			}
		default:
			e.logger.WithFields(logrus.Fields{
				"target": event.TargetID,
				"kind":   event.Kind.String(),
			}).Warn("Unknown registration payload")
		}
	}
}

func (e *Engine) connectProcess(targetID uint64, reg *ProcessRegistration) error {
	proxy := process.NewProxy(e.registry.GetOptions(), e.pool, e.logger)
	if err := proxy.Connect(reg.Endpoint, reg.Handle); err != nil {
		return err
	}
	e.mu.Lock()
	e.proxies[targetID] = proxy
	e.mu.Unlock()
	e.stats.IncrementProcesses()
	return nil
}

func (e *Engine) addModule(targetID uint64, reg *ModuleRegistration) error {
	e.mu.Lock()
	proxy, ok := e.proxies[targetID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("module registered for unknown target %d", targetID)
	}
	if err := proxy.AddFeedback(reg.Module, reg.Region); err != nil {
		return err
	}
	e.stats.IncrementModules()
	return nil
}

// Proxy returns the proxy driving targetID, if connected.
func (e *Engine) Proxy(targetID uint64) (*process.Proxy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	proxy, ok := e.proxies[targetID]
	return proxy, ok
}

// RunIteration drives one fuzzing iteration on proxy with the given
// input: write the input, signal start, wait for the finish handshake
// (killing the target at the run limit), then accumulate coverage and
// feed interesting inputs back into the corpus.
func (e *Engine) RunIteration(proxy *process.Proxy, input []byte) (*IterationResult, error) {
	e.mu.Lock()
	running, ctx := e.running, e.ctx
	e.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("engine not running")
	}
	if input == nil {
		input = e.corpus.Pick()
	}
	if err := proxy.WriteInput(input); err != nil {
		return nil, err
	}
	if err := proxy.Start(e.opts.DetectLeaks); err != nil {
		return nil, err
	}
	e.stats.IncrementIterations()

	result := &IterationResult{Input: input}
	timer := time.NewTimer(e.opts.RunLimit)
	defer timer.Stop()
	select {
	case <-proxy.FinishObserved():
	case <-timer.C:
		result.TimedOut = true
		e.stats.IncrementTimeouts()
		var dump strings.Builder
		if _, err := proxy.Dump(&dump, 64<<10); err == nil {
			e.logger.WithFields(logrus.Fields{
				"proxy":   proxy.ID,
				"threads": dump.String(),
			}).Warn("Iteration exceeded run limit")
		}
		if err := proxy.Kill(); err != nil {
			return result, err
		}
		return result, nil
	case <-ctx.Done():
		return result, ctx.Err()
	}

	result.LeakSuspected = proxy.LeakSuspected()
	if result.LeakSuspected {
		e.stats.IncrementLeakSuspects()
	}
	result.NewFeatures = e.pool.Accumulate()
	if result.NewFeatures > 0 {
		e.stats.AddNewFeatures(int64(result.NewFeatures))
		if err := e.corpus.Add(input); err != nil {
			// Oversized inputs are the caller's experiment, not a
			// reason to stop fuzzing.
			e.logger.WithFields(logrus.Fields{
				"proxy": proxy.ID,
				"bytes": len(input),
			}).Debug("Interesting input rejected by corpus")
		}
	}
	return result, nil
}

// Stop shuts the engine down: closes the registration stream, resets all
// proxies, and waits for the watch loop to drain. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	proxies := make([]*process.Proxy, 0, len(e.proxies))
	for _, p := range e.proxies {
		proxies = append(proxies, p)
	}
	e.mu.Unlock()

	e.registry.Stop()
	e.cancel()
	for _, p := range proxies {
		p.Kill()
		p.Join()
	}
	e.wg.Wait()
	e.logger.Info("Engine stopped")
}
