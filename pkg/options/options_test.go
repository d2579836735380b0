/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: options_test.go
Description: Unit tests for target operating options. Tests default
application, validation of exit code uniqueness, and copy independence.
*/

package options_test

import (
	"testing"
	"time"

	"github.com/kleascm/akaylee-runtime/pkg/options"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOptionsNewHasDefaults tests that a fresh Options carries the
// documented defaults
func TestOptionsNewHasDefaults(t *testing.T) {
	o := options.New()

	assert.Equal(t, uint32(0), o.Runs)
	assert.Equal(t, time.Duration(0), o.MaxTotalTime)
	assert.Equal(t, uint32(0), o.Seed)
	assert.Equal(t, uint64(1<<20), o.MaxInputSize)
	assert.Equal(t, uint64(2<<30), o.MallocLimit)
	assert.Equal(t, uint64(2<<30), o.OOMLimit)
	assert.Equal(t, 20*time.Minute, o.RunLimit)
	assert.False(t, o.DetectLeaks)
	assert.Equal(t, int32(200), o.MallocExitcode)
	assert.Equal(t, int32(202), o.DeathExitcode)
	assert.Equal(t, int32(203), o.LeakExitcode)
	assert.Equal(t, int32(204), o.OOMExitcode)
	assert.Equal(t, 30*time.Second, o.PulseInterval)

	assert.NoError(t, o.Validate())
}

// TestOptionsApplyDefaultsPreservesSetValues tests that explicitly
// configured fields survive default application
func TestOptionsApplyDefaultsPreservesSetValues(t *testing.T) {
	o := &options.Options{
		MaxInputSize: 4096,
		RunLimit:     time.Minute,
		OOMExitcode:  77,
	}
	o.ApplyDefaults()

	assert.Equal(t, uint64(4096), o.MaxInputSize)
	assert.Equal(t, time.Minute, o.RunLimit)
	assert.Equal(t, int32(77), o.OOMExitcode)
	assert.Equal(t, int32(200), o.MallocExitcode)
}

// TestOptionsValidateDuplicateExitCodes tests that exit codes must be
// pairwise distinct
func TestOptionsValidateDuplicateExitCodes(t *testing.T) {
	o := options.New()
	o.LeakExitcode = o.MallocExitcode

	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code")
}

// TestOptionsValidateZeroExitCode tests that zero exit codes are rejected
func TestOptionsValidateZeroExitCode(t *testing.T) {
	o := options.New()
	o.DeathExitcode = 0

	assert.Error(t, o.Validate())
}

// TestOptionsValidateExitCodeRange tests that exit codes a wait status
// cannot carry are rejected
func TestOptionsValidateExitCodeRange(t *testing.T) {
	o := options.New()
	o.MallocExitcode = 2000

	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1..255")

	o = options.New()
	o.OOMExitcode = 256
	assert.Error(t, o.Validate())

	o = options.New()
	o.LeakExitcode = -1
	assert.Error(t, o.Validate())
}

// TestOptionsCopyIsIndependent tests that mutating a copy leaves the
// original untouched
func TestOptionsCopyIsIndependent(t *testing.T) {
	o := options.New()
	c := o.Copy()

	c.Runs = 100
	c.DetectLeaks = true

	assert.Equal(t, uint32(0), o.Runs)
	assert.False(t, o.DetectLeaks)
}
