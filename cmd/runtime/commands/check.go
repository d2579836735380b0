/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: check.go
Description: Self-check command for the Akaylee Runtime. Validates system
resources, shared memory and signal socket support, and file system
permissions before a session is started.
*/

package commands

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/kleascm/akaylee-runtime/pkg/shmem"
	"github.com/kleascm/akaylee-runtime/pkg/signallink"
	"github.com/spf13/cobra"
)

// PerformSelfCheck performs comprehensive system validation
func PerformSelfCheck(cmd *cobra.Command, args []string) error {
	fmt.Println("🔍 Akaylee Runtime - System Self-Check")
	fmt.Println("======================================")
	fmt.Println()

	checks := []struct {
		name     string
		function func() error
	}{
		{"System Resources", checkSystemResources},
		{"Shared Memory Support", checkSharedMemorySupport},
		{"Signal Socket Support", checkSignalSocketSupport},
		{"Procfs Availability", checkProcfsAvailability},
		{"File System Permissions", checkFileSystemPermissions},
	}

	passed := 0
	total := len(checks)

	for _, check := range checks {
		fmt.Printf("🔍 %s... ", check.name)
		if err := check.function(); err != nil {
			fmt.Printf("❌ FAILED: %v\n", err)
		} else {
			fmt.Println("✅ PASSED")
			passed++
		}
	}

	fmt.Println()
	fmt.Printf("📊 Results: %d/%d checks passed\n", passed, total)

	if passed == total {
		fmt.Println("✨ All checks passed! System is ready.")
		return nil
	}
	fmt.Println("⚠️  Some checks failed. Please address the issues before running a session.")
	return fmt.Errorf("%d/%d checks failed", total-passed, total)
}

// checkSystemResources validates system resources
func checkSystemResources() error {
	cpuCores := runtime.NumCPU()
	if cpuCores < 2 {
		return fmt.Errorf("insufficient CPU cores: %d (minimum 2 recommended)", cpuCores)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs("/", &stat); err != nil {
		return fmt.Errorf("failed to check filesystem: %w", err)
	}

	availableGB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024 * 1024)
	if availableGB < 1 {
		return fmt.Errorf("insufficient disk space: %d GB available (minimum 1 GB recommended)", availableGB)
	}

	return nil
}

// checkSharedMemorySupport verifies shared channels can be created and mapped
func checkSharedMemorySupport() error {
	channel := &shmem.Channel{}
	if err := channel.Reserve("self-check", 4096); err != nil {
		return fmt.Errorf("cannot create shared channel: %w", err)
	}
	defer channel.Reset()

	if _, err := channel.Write([]byte("akaylee")); err != nil {
		return fmt.Errorf("cannot write to shared channel: %w", err)
	}
	return nil
}

// checkSignalSocketSupport verifies signal endpoint pairs can be created
func checkSignalSocketSupport() error {
	a, b, err := signallink.NewEndpointPair()
	if err != nil {
		return fmt.Errorf("cannot create signal endpoints: %w", err)
	}
	defer a.Close()
	defer b.Close()

	if err := a.Send(1); err != nil {
		return fmt.Errorf("cannot send over signal endpoint: %w", err)
	}
	bits, closed, err := b.Recv()
	if err != nil || closed || bits != 1 {
		return fmt.Errorf("signal endpoint round-trip failed: bits=%d closed=%v err=%v", bits, closed, err)
	}
	return nil
}

// checkProcfsAvailability verifies per-process stats can be collected
func checkProcfsAvailability() error {
	pid := os.Getpid()
	for _, name := range []string{"statm", "stat", "schedstat"} {
		path := fmt.Sprintf("/proc/%d/%s", pid, name)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("procfs file unavailable: %s", path)
		}
	}
	return nil
}

// checkFileSystemPermissions validates file system permissions
func checkFileSystemPermissions() error {
	// Check if we can write to current directory
	testFile := "./akaylee_test_write"
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("cannot write to current directory: %w", err)
	}
	os.Remove(testFile)

	// Check if we can create directories
	testDir := "./akaylee_test_dir"
	if err := os.Mkdir(testDir, 0755); err != nil {
		return fmt.Errorf("cannot create directories: %w", err)
	}
	os.Remove(testDir)

	return nil
}
