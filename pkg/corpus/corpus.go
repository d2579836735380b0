/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: corpus.go
Description: Corpus management for the Akaylee Runtime. Holds the bounded,
always-non-empty, deterministically-sampled set of candidate inputs for a
fuzzing session. Element zero is always the empty input, and with identical
seed and Add history two corpora produce identical Pick sequences.
*/

package corpus

import (
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// ErrInputTooLarge reports an Add whose input exceeds the configured
// maximum. The corpus is unchanged; recoverable by the caller.
var ErrInputTooLarge = errors.New("input exceeds maximum input size")

// Corpus is an ordered, append-only collection of candidate inputs.
// It never shrinks within a session and always contains at least the
// implicit empty input at offset zero.
type Corpus struct {
	mu           sync.RWMutex
	inputs       [][]byte
	totalSize    uint64
	maxInputSize uint64
	rng          *rand.Rand
}

// NewCorpus creates a corpus seeded for deterministic sampling. Inputs
// longer than maxInputSize are rejected by Add.
func NewCorpus(seed uint32, maxInputSize uint64) *Corpus {
	return &Corpus{
		inputs:       [][]byte{{}},
		maxInputSize: maxInputSize,
		rng:          rand.New(rand.NewSource(int64(seed))),
	}
}

// Add appends an input. Empty inputs succeed as no-ops since the empty
// input is always present; oversized inputs fail with ErrInputTooLarge
// and leave the corpus untouched.
func (c *Corpus) Add(input []byte) error {
	if uint64(len(input)) > c.maxInputSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrInputTooLarge, len(input), c.maxInputSize)
	}
	if len(input) == 0 {
		return nil
	}
	data := make([]byte, len(input))
	copy(data, input)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, data)
	c.totalSize += uint64(len(data))
	return nil
}

// At returns the input at offset, or ok=false past the end.
func (c *Corpus) At(offset int) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if offset < 0 || offset >= len(c.inputs) {
		return nil, false
	}
	return c.inputs[offset], true
}

// Pick selects an input uniformly at random. Sampling rejects draws over
// the smallest power of two covering the corpus size, so the consumed
// random sequence (and therefore the selection sequence) depends only on
// the seed and the Add history.
func (c *Corpus) Pick() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint64(len(c.inputs))
	mask := uint64(1)<<bits.Len64(n-1) - 1
	for {
		if v := c.rng.Uint64() & mask; v < n {
			return c.inputs[v]
		}
	}
}

// NumInputs returns the number of inputs, including the implicit empty
// input.
func (c *Corpus) NumInputs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inputs)
}

// TotalSize returns the summed byte length of all inputs.
func (c *Corpus) TotalSize() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSize
}

// MaxInputSize returns the configured per-input bound.
func (c *Corpus) MaxInputSize() uint64 {
	return c.maxInputSize
}

// Load adds every regular file under dir as an input. Oversized files are
// skipped, not fatal; the count of loaded inputs is returned.
func (c *Corpus) Load(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read corpus directory: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, fmt.Errorf("failed to read corpus input %s: %w", entry.Name(), err)
		}
		if err := c.Add(data); err != nil {
			if errors.Is(err, ErrInputTooLarge) {
				continue
			}
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Save writes every non-empty input to dir, one file per input named by
// its offset.
func (c *Corpus) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create corpus directory: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, input := range c.inputs {
		if len(input) == 0 {
			continue
		}
		name := filepath.Join(dir, fmt.Sprintf("input-%06d", i))
		if err := os.WriteFile(name, input, 0644); err != nil {
			return fmt.Errorf("failed to write corpus input %d: %w", i, err)
		}
	}
	return nil
}
