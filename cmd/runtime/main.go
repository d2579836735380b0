/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Main command-line interface for the Akaylee Runtime. Provides
comprehensive command-line options, configuration management, and beautiful
user interface for controlling coverage-guided execution sessions with
advanced logging capabilities.
*/

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kleascm/akaylee-runtime/cmd/runtime/commands"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Configuration
	configFile string
	logLevel   string
	jsonLogs   bool

	// Target configuration
	targetPath string
	targetArgs []string
	targetEnv  []string

	// Session configuration
	runs         int
	maxTotalTime time.Duration
	seed         uint32
	detectLeaks  bool

	// Input configuration
	corpusDir    string
	outputDir    string
	maxInputSize uint64

	// Resource limits
	mallocLimit uint64
	oomLimit    uint64
	runLimit    time.Duration

	// Logging configuration
	logDir      string
	logFormat   string
	logMaxFiles int
	logMaxSize  int64
)

func main() {
	// Create root command
	rootCmd := &cobra.Command{
		Use:   "akaylee-runtime",
		Short: "Akaylee Runtime - Coverage-guided execution engine for instrumented targets",
		Long: `Akaylee Runtime is the driving half of a coverage-guided fuzzing setup. It
launches instrumented target processes, shares test inputs and coverage counters
with them over shared memory, coordinates each run through a lightweight signal
handshake, and accumulates discovered coverage features across the session.`,
		Version: "1.0.0",
	}

	// Add persistent flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Use JSON log format")

	// Add logging-specific flags
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "./logs", "Log output directory")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "custom", "Log format (text, json, custom)")
	rootCmd.PersistentFlags().IntVar(&logMaxFiles, "log-max-files", 10, "Maximum number of log files to keep")
	rootCmd.PersistentFlags().Int64Var(&logMaxSize, "log-max-size", 100*1024*1024, "Maximum log file size in bytes")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("json_logs", rootCmd.PersistentFlags().Lookup("json-logs"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_max_files", rootCmd.PersistentFlags().Lookup("log-max-files"))
	viper.BindPFlag("log_max_size", rootCmd.PersistentFlags().Lookup("log-max-size"))

	// Add run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drive an instrumented target program",
		Long: `Start a coverage-guided session on an instrumented target. The runtime will
repeatedly hand test inputs to the target over shared memory, drive each run
through the signal handshake, collect new coverage features, and grow the
corpus with inputs that discovered them.`,
		RunE: commands.RunSession,
	}

	// Add run command flags
	runCmd.Flags().StringVar(&targetPath, "target", "", "Path to instrumented target binary (required)")
	runCmd.Flags().StringSliceVar(&targetArgs, "args", []string{}, "Command-line arguments for target")
	runCmd.Flags().StringSliceVar(&targetEnv, "env", []string{}, "Environment variables for target")

	runCmd.Flags().IntVar(&runs, "runs", 0, "Number of iterations to drive (0 = unlimited)")
	runCmd.Flags().DurationVar(&maxTotalTime, "max-total-time", 0, "Maximum session duration (0 = unlimited)")
	runCmd.Flags().Uint32Var(&seed, "seed", 0, "Corpus selection seed (0 = time-based)")
	runCmd.Flags().BoolVar(&detectLeaks, "detect-leaks", false, "Request leak checking on each run")

	runCmd.Flags().StringVar(&corpusDir, "corpus", "", "Directory containing seed corpus")
	runCmd.Flags().StringVar(&outputDir, "output", "./runtime_output", "Directory for session output")
	runCmd.Flags().Uint64Var(&maxInputSize, "max-input-size", 1<<20, "Maximum test input size in bytes")

	runCmd.Flags().Uint64Var(&mallocLimit, "malloc-limit", 0, "Single allocation limit for the target (bytes, 0 = unlimited)")
	runCmd.Flags().Uint64Var(&oomLimit, "oom-limit", 0, "Total memory limit for the target (bytes, 0 = unlimited)")
	runCmd.Flags().DurationVar(&runLimit, "run-limit", 20*time.Minute, "Maximum duration of a single run before the target is killed")

	// Mark required flags
	runCmd.MarkFlagRequired("target")

	// Bind flags to viper
	viper.BindPFlag("target_path", runCmd.Flags().Lookup("target"))
	viper.BindPFlag("target_args", runCmd.Flags().Lookup("args"))
	viper.BindPFlag("target_env", runCmd.Flags().Lookup("env"))
	viper.BindPFlag("runs", runCmd.Flags().Lookup("runs"))
	viper.BindPFlag("max_total_time", runCmd.Flags().Lookup("max-total-time"))
	viper.BindPFlag("seed", runCmd.Flags().Lookup("seed"))
	viper.BindPFlag("detect_leaks", runCmd.Flags().Lookup("detect-leaks"))
	viper.BindPFlag("corpus_dir", runCmd.Flags().Lookup("corpus"))
	viper.BindPFlag("output_dir", runCmd.Flags().Lookup("output"))
	viper.BindPFlag("max_input_size", runCmd.Flags().Lookup("max-input-size"))
	viper.BindPFlag("malloc_limit", runCmd.Flags().Lookup("malloc-limit"))
	viper.BindPFlag("oom_limit", runCmd.Flags().Lookup("oom-limit"))
	viper.BindPFlag("run_limit", runCmd.Flags().Lookup("run-limit"))

	rootCmd.AddCommand(runCmd)

	// Add check command for built-in self-checks
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Perform built-in self-checks for system validation",
		Long: `Perform system checks to validate target existence, corpus accessibility,
log writability, and shared memory support. Very useful for CI/CD integration.`,
		RunE: commands.PerformSelfCheck,
	})

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
