/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Run command implementation for the Akaylee Runtime. Launches an
instrumented target process, registers it with the engine, and drives
coverage-guided iterations with real-time statistics reporting.
*/

package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kleascm/akaylee-runtime/pkg/engine"
	"github.com/kleascm/akaylee-runtime/pkg/options"
	"github.com/kleascm/akaylee-runtime/pkg/process"
	"github.com/kleascm/akaylee-runtime/pkg/shmem"
	"github.com/kleascm/akaylee-runtime/pkg/signallink"
	"github.com/kleascm/akaylee-runtime/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// sessionReport summarizes a completed session for the JSON report file
type sessionReport struct {
	Target       string        `json:"target"`
	Duration     time.Duration `json:"duration"`
	Iterations   int64         `json:"iterations"`
	NewFeatures  int64         `json:"new_features"`
	Timeouts     int64         `json:"timeouts"`
	LeakSuspects int64         `json:"leak_suspects"`
	CorpusInputs int           `json:"corpus_inputs"`
	CorpusBytes  uint64        `json:"corpus_bytes"`
	FinalResult  string        `json:"final_result"`
}

// RunSession executes a coverage-guided session against a target
func RunSession(cmd *cobra.Command, args []string) error {
	fmt.Println("🚀 Akaylee Runtime - Starting Session")
	fmt.Println("=====================================")
	fmt.Println()

	// Load configuration first
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logging
	if err := SetupLogging(); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logger.Close()

	// Create session options
	opts := createOptions()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	targetPath := viper.GetString("target_path")
	if _, err := os.Stat(targetPath); os.IsNotExist(err) {
		return fmt.Errorf("target binary not found: %s", targetPath)
	}

	// Create engine
	eng := engine.NewEngine(opts, logger.GetLogger())

	// Load seed corpus
	if corpusDir := viper.GetString("corpus_dir"); corpusDir != "" {
		loaded, err := eng.Corpus().Load(corpusDir)
		if err != nil {
			return fmt.Errorf("failed to load corpus: %w", err)
		}
		fmt.Printf("📂 Loaded %d seed inputs from %s\n", loaded, corpusDir)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.MaxTotalTime > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.MaxTotalTime)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\n🛑 Received shutdown signal, stopping session...")
		cancel()
	}()

	// Start engine
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Launch and register the target
	proxy, err := launchTarget(eng, targetPath)
	if err != nil {
		eng.Stop()
		return fmt.Errorf("failed to launch target: %w", err)
	}

	// Start statistics reporting
	go reportStats(ctx, eng)

	// Drive iterations until the run budget, deadline, or a shutdown signal
	lastResult := process.ResultNoErrors
	for i := uint32(0); opts.Runs == 0 || i < opts.Runs; i++ {
		if ctx.Err() != nil {
			break
		}

		iterStart := time.Now()
		res, err := eng.RunIteration(proxy, nil)
		if err != nil {
			logger.GetLogger().WithError(err).Error("Iteration failed")
			lastResult = proxy.Join()
			break
		}
		logger.LogIteration(proxy.ID.String(), len(res.Input), res.NewFeatures, time.Since(iterStart))

		if res.TimedOut {
			lastResult = process.ResultTimeout
			break
		}
	}

	// Stop engine gracefully
	eng.Stop()
	logger.LogTermination(proxy.ID.String(), proxy.Join().String(), proxy.ExitCode())

	// Persist the grown corpus
	outputDir := viper.GetString("output_dir")
	if outputDir != "" {
		corpusOut := filepath.Join(outputDir, "corpus")
		if err := eng.Corpus().Save(corpusOut); err != nil {
			logger.GetLogger().WithError(err).Warn("Failed to save corpus")
		}
	}

	// Print final statistics and write the session report
	printFinalStats(eng, targetPath, lastResult, outputDir)

	fmt.Println("\n✨ Session completed!")
	return nil
}

// createOptions builds session options from viper configuration
func createOptions() *options.Options {
	opts := options.New()
	opts.Runs = uint32(viper.GetInt("runs"))
	opts.MaxTotalTime = viper.GetDuration("max_total_time")
	opts.Seed = uint32(viper.GetUint64("seed"))
	opts.MaxInputSize = viper.GetUint64("max_input_size")
	opts.MallocLimit = viper.GetUint64("malloc_limit")
	opts.OOMLimit = viper.GetUint64("oom_limit")
	opts.RunLimit = viper.GetDuration("run_limit")
	opts.DetectLeaks = viper.GetBool("detect_leaks")
	opts.ApplyDefaults()
	if opts.Seed == 0 {
		opts.Seed = uint32(time.Now().UnixNano())
	}
	return opts
}

// launchTarget starts the instrumented target process with the signal
// endpoint and test input region on well-known descriptors, registers it
// with the engine, and waits for its proxy to connect.
func launchTarget(eng *engine.Engine, targetPath string) (*process.Proxy, error) {
	opts := eng.Registry().GetOptions()

	// Engine side and target side of the signal link
	ep, peer, err := signallink.NewEndpointPair()
	if err != nil {
		return nil, err
	}

	// Test input region, reserved before exec so the target can map it
	input := &shmem.Channel{}
	if err := input.Reserve("test-input", int(opts.MaxInputSize)); err != nil {
		ep.Close()
		peer.Close()
		return nil, err
	}
	inputHandle, err := input.Share()
	if err != nil {
		input.Reset()
		ep.Close()
		peer.Close()
		return nil, err
	}
	childHandle, err := inputHandle.Dup()
	if err != nil {
		inputHandle.Close()
		input.Reset()
		ep.Close()
		peer.Close()
		return nil, err
	}

	// The os.File wrapper owns the duplicated descriptor from here on
	childFile := os.NewFile(uintptr(childHandle.Fd()), "test-input")

	cmd := exec.Command(targetPath, viper.GetStringSlice("target_args")...)
	cmd.Env = append(os.Environ(), viper.GetStringSlice("target_env")...)
	cmd.Env = append(cmd.Env,
		"AKAYLEE_SIGNAL_FD=3",
		"AKAYLEE_INPUT_FD=4",
		fmt.Sprintf("AKAYLEE_INPUT_SIZE=%d", childHandle.Size()),
	)
	cmd.ExtraFiles = []*os.File{peer.File(), childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childFile.Close()
		inputHandle.Close()
		input.Reset()
		ep.Close()
		peer.Close()
		return nil, err
	}

	// Parent copies are no longer needed once the child holds its own
	peer.Close()
	childFile.Close()

	handle := process.NewOSHandle(cmd.Process)
	targetID := uint64(handle.Pid())

	if got := eng.Registry().Initialize(targetID, handle, ep); got == nil {
		handle.Kill()
		inputHandle.Close()
		input.Reset()
		return nil, fmt.Errorf("engine stopped before target registration")
	}

	// Registration is dispatched asynchronously; wait for the proxy
	proxy, err := awaitProxy(eng, targetID, 5*time.Second)
	if err != nil {
		handle.Kill()
		inputHandle.Close()
		input.Reset()
		return nil, err
	}

	// The proxy's channel takes over the handle's descriptor on link
	if err := proxy.AdoptTestInput(inputHandle); err != nil {
		handle.Kill()
		inputHandle.Close()
		input.Reset()
		return nil, err
	}
	input.Reset()

	return proxy, nil
}

// awaitProxy polls the engine until the registered target's proxy appears
func awaitProxy(eng *engine.Engine, targetID uint64, timeout time.Duration) (*process.Proxy, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proxy, ok := eng.Proxy(targetID); ok {
			return proxy, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("target %d did not connect within %s", targetID, timeout)
}

// reportStats periodically reports session statistics
func reportStats(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := eng.Stats().Snapshot()
			fmt.Printf("\r🔄 Iterations: %d | Features: %d | Timeouts: %d | Rate: %.1f/sec | Corpus: %d",
				stats.Iterations, stats.NewFeatures, stats.Timeouts, eng.Stats().Rate(), eng.Corpus().NumInputs())
		}
	}
}

// printFinalStats prints comprehensive final statistics and writes the
// JSON session report
func printFinalStats(eng *engine.Engine, target string, lastResult process.Result, outputDir string) {
	stats := eng.Stats().Snapshot()
	duration := time.Since(stats.StartTime)

	fmt.Println("\n📊 Final Statistics")
	fmt.Println("===================")
	fmt.Printf("Duration:      %s\n", duration.Round(time.Second))
	fmt.Printf("Iterations:    %d\n", stats.Iterations)
	fmt.Printf("New features:  %d\n", stats.NewFeatures)
	fmt.Printf("Timeouts:      %d\n", stats.Timeouts)
	fmt.Printf("Leak suspects: %d\n", stats.LeakSuspects)
	fmt.Printf("Corpus inputs: %d (%d bytes)\n", eng.Corpus().NumInputs(), eng.Corpus().TotalSize())
	fmt.Printf("Final result:  %s\n", lastResult.String())

	if outputDir == "" {
		return
	}
	report := &sessionReport{
		Target:       target,
		Duration:     duration,
		Iterations:   stats.Iterations,
		NewFeatures:  stats.NewFeatures,
		Timeouts:     stats.Timeouts,
		LeakSuspects: stats.LeakSuspects,
		CorpusInputs: eng.Corpus().NumInputs(),
		CorpusBytes:  eng.Corpus().TotalSize(),
		FinalResult:  lastResult.String(),
	}
	path, err := utils.WriteSessionReport(outputDir, "session", "1.0.0", report)
	if err != nil {
		logger.GetLogger().WithError(err).Warn("Failed to write session report")
		return
	}
	fmt.Printf("Report:        %s\n", path)
}
