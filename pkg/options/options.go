/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: options.go
Description: Operating configuration for instrumented target processes.
Defines the thresholds, exit codes, and limits negotiated with a target when
it connects, together with an explicit defaults table so every field and its
default value is enumerated in one place.
*/

package options

import (
	"fmt"
	"time"
)

// Options is the operating configuration handed to a target process when it
// registers with the runtime. Exit-code fields tell the engine how the
// target reports each abnormal outcome; the remaining fields bound what a
// single fuzzing session may consume.
type Options struct {
	// Runs is the number of iterations to perform, 0 meaning unbounded.
	Runs uint32 `json:"runs" mapstructure:"runs"`

	// MaxTotalTime bounds the whole session, 0 meaning unbounded.
	MaxTotalTime time.Duration `json:"max_total_time" mapstructure:"max_total_time"`

	// Seed drives all pseudo-random decisions, 0 meaning pick one.
	Seed uint32 `json:"seed" mapstructure:"seed"`

	// MaxInputSize is the largest input the corpus accepts, in bytes.
	MaxInputSize uint64 `json:"max_input_size" mapstructure:"max_input_size"`

	// MallocLimit is the largest single allocation the target allows
	// before exiting with MallocExitcode, in bytes. 0 disables the check.
	MallocLimit uint64 `json:"malloc_limit" mapstructure:"malloc_limit"`

	// OOMLimit is the resident-memory ceiling for the target, in bytes.
	OOMLimit uint64 `json:"oom_limit" mapstructure:"oom_limit"`

	// RunLimit is the per-iteration time limit before the engine kills
	// the target and reports a timeout.
	RunLimit time.Duration `json:"run_limit" mapstructure:"run_limit"`

	// DetectLeaks enables full leak detection on suspicious iterations.
	DetectLeaks bool `json:"detect_leaks" mapstructure:"detect_leaks"`

	// MallocExitcode is the code the target exits with when MallocLimit
	// is exceeded.
	MallocExitcode int32 `json:"malloc_exitcode" mapstructure:"malloc_exitcode"`

	// DeathExitcode is the code the target's death hook exits with.
	DeathExitcode int32 `json:"death_exitcode" mapstructure:"death_exitcode"`

	// LeakExitcode is the code the target exits with when its leak check
	// confirms a leak.
	LeakExitcode int32 `json:"leak_exitcode" mapstructure:"leak_exitcode"`

	// OOMExitcode is the code the target exits with when OOMLimit is hit.
	OOMExitcode int32 `json:"oom_exitcode" mapstructure:"oom_exitcode"`

	// PulseInterval is how often long blocking waits inside the runtime
	// log a diagnostic while continuing to wait.
	PulseInterval time.Duration `json:"pulse_interval" mapstructure:"pulse_interval"`
}

// Default values for every option. Wait statuses carry only the low 8
// bits of an exit code, so the exit codes are distinct values in the
// upper half of the 1..255 range, away from common target exit codes and
// the 128+signal shell statuses.
const (
	DefaultRuns           = uint32(0)
	DefaultMaxTotalTime   = time.Duration(0)
	DefaultSeed           = uint32(0)
	DefaultMaxInputSize   = uint64(1 << 20)
	DefaultMallocLimit    = uint64(2 << 30)
	DefaultOOMLimit       = uint64(2 << 30)
	DefaultRunLimit       = 20 * time.Minute
	DefaultDetectLeaks    = false
	DefaultMallocExitcode = int32(200)
	DefaultDeathExitcode  = int32(202)
	DefaultLeakExitcode   = int32(203)
	DefaultOOMExitcode    = int32(204)
	DefaultPulseInterval  = 30 * time.Second
)

// New returns an Options with every field at its default.
func New() *Options {
	o := &Options{}
	o.ApplyDefaults()
	return o
}

// ApplyDefaults sets every zero-valued field to its default. Explicitly
// configured zero values for the unbounded fields (Runs, MaxTotalTime,
// Seed) are preserved since zero is their default anyway.
func (o *Options) ApplyDefaults() {
	if o.MaxInputSize == 0 {
		o.MaxInputSize = DefaultMaxInputSize
	}
	if o.MallocLimit == 0 {
		o.MallocLimit = DefaultMallocLimit
	}
	if o.OOMLimit == 0 {
		o.OOMLimit = DefaultOOMLimit
	}
	if o.RunLimit == 0 {
		o.RunLimit = DefaultRunLimit
	}
	if o.MallocExitcode == 0 {
		o.MallocExitcode = DefaultMallocExitcode
	}
	if o.DeathExitcode == 0 {
		o.DeathExitcode = DefaultDeathExitcode
	}
	if o.LeakExitcode == 0 {
		o.LeakExitcode = DefaultLeakExitcode
	}
	if o.OOMExitcode == 0 {
		o.OOMExitcode = DefaultOOMExitcode
	}
	if o.PulseInterval == 0 {
		o.PulseInterval = DefaultPulseInterval
	}
}

// Validate checks the options for values the runtime cannot honor.
func (o *Options) Validate() error {
	codes := map[int32]string{}
	for _, ec := range []struct {
		name string
		code int32
	}{
		{"malloc_exitcode", o.MallocExitcode},
		{"death_exitcode", o.DeathExitcode},
		{"leak_exitcode", o.LeakExitcode},
		{"oom_exitcode", o.OOMExitcode},
	} {
		if ec.code == 0 {
			return fmt.Errorf("%s must be nonzero", ec.name)
		}
		// Wait statuses truncate exit codes to 8 bits; anything
		// larger could never be observed and would misclassify.
		if ec.code < 1 || ec.code > 255 {
			return fmt.Errorf("%s %d is outside the observable exit-code range 1..255", ec.name, ec.code)
		}
		if prev, dup := codes[ec.code]; dup {
			return fmt.Errorf("%s and %s share exit code %d", prev, ec.name, ec.code)
		}
		codes[ec.code] = ec.name
	}
	if o.MaxInputSize == 0 {
		return fmt.Errorf("max_input_size must be positive")
	}
	return nil
}

// Copy returns an independent copy of the options.
func (o *Options) Copy() *Options {
	c := *o
	return &c
}
