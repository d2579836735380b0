/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: module.go
Description: Per-module coverage aggregation for the Akaylee Runtime. A
module proxy collects inline 8-bit counters from every live process instance
of one instrumented module and folds them into features: per counter
position, the magnitude class of the observed value. The set of discovered
features is persistent across process lifetimes until explicitly cleared.
*/

package coverage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sync"
)

// ModuleID is a position-independent 128-bit identity for one unit of
// instrumented code. Two processes that load the same binary derive the
// same ModuleID regardless of load address, so their counters aggregate
// into a single coverage record.
type ModuleID [16]byte

// NewModuleID derives a module identity from the module's program-counter
// table. Position independence comes from hashing each entry's offset from
// the table's first entry instead of the raw address.
func NewModuleID(pcs []uint64) ModuleID {
	h := sha256.New()
	var base uint64
	if len(pcs) > 0 {
		base = pcs[0]
	}
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], pc-base)
		h.Write(buf[:])
	}
	var id ModuleID
	copy(id[:], h.Sum(nil))
	return id
}

// String returns the hex form of the identity.
func (id ModuleID) String() string {
	return hex.EncodeToString(id[:])
}

// bucketsPerCounter is how many magnitude classes one 8-bit counter can
// fall into: floor(log2(v)) for v in 1..255 spans 0..7.
const bucketsPerCounter = 8

// ModuleProxy aggregates coverage counters from all live instances of one
// module. Registered counter views come and go with processes; the
// discovered-feature bitmap only ever gains bits until Clear.
type ModuleProxy struct {
	id   ModuleID
	size int // counter bytes per instance

	mu       sync.Mutex
	counters [][]byte // one live view per process instance
	seen     []uint64 // persistent discovered-feature bitmap
	scratch  []uint64 // current-observation workspace, reused per call
}

// NewModuleProxy creates a proxy sized for counterLen counter bytes.
func NewModuleProxy(id ModuleID, counterLen int) *ModuleProxy {
	words := (counterLen*bucketsPerCounter + 63) / 64
	return &ModuleProxy{
		id:      id,
		size:    counterLen,
		seen:    make([]uint64, words),
		scratch: make([]uint64, words),
	}
}

// ID returns the module identity this proxy aggregates for.
func (p *ModuleProxy) ID() ModuleID { return p.id }

// CounterLen returns the per-instance counter length in bytes.
func (p *ModuleProxy) CounterLen() int { return p.size }

// Add registers one live view of the module's counters. A module may have
// zero, one, or many simultaneous instances.
func (p *ModuleProxy) Add(counters []byte) error {
	if len(counters) == 0 {
		return fmt.Errorf("module %s: empty counter region", p.id)
	}
	if len(counters) != p.size {
		return fmt.Errorf("module %s: counter length %d does not match registered length %d",
			p.id, len(counters), p.size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = append(p.counters, counters)
	return nil
}

// Remove unregisters a previously added view. Returns false if the view
// was not registered; callers treat that as an expected condition.
func (p *ModuleProxy) Remove(counters []byte) bool {
	if len(counters) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.counters {
		if &c[0] == &counters[0] {
			p.counters = append(p.counters[:i], p.counters[i+1:]...)
			return true
		}
	}
	return false
}

// Instances returns the number of currently registered counter views.
func (p *ModuleProxy) Instances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.counters)
}

// observe folds the current counter values of every instance into the
// scratch bitmap. Caller holds p.mu.
func (p *ModuleProxy) observe() {
	for i := range p.scratch {
		p.scratch[i] = 0
	}
	for _, counters := range p.counters {
		for pos, v := range counters {
			if v == 0 {
				continue
			}
			feature := pos*bucketsPerCounter + bits.Len8(v) - 1
			p.scratch[feature/64] |= 1 << (feature % 64)
		}
	}
}

// Measure returns the number of distinct features currently observable
// across all registered instances that are not yet in the persistent
// bitmap, without recording anything. On unchanged counter state it is
// idempotent and matches what Accumulate would return.
func (p *ModuleProxy) Measure() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observe()
	n := 0
	for i, w := range p.scratch {
		n += bits.OnesCount64(w &^ p.seen[i])
	}
	return n
}

// Accumulate records the currently observable features into the persistent
// bitmap and returns how many of them were not already known. On unchanged
// counter state it returns the same count as an immediately preceding
// Measure, and a second immediate call returns zero.
func (p *ModuleProxy) Accumulate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observe()
	n := 0
	for i, w := range p.scratch {
		n += bits.OnesCount64(w &^ p.seen[i])
		p.seen[i] |= w
	}
	return n
}

// Clear empties the discovered-feature bitmap, starting a new accumulation
// window. Registered counter views are untouched.
func (p *ModuleProxy) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.seen {
		p.seen[i] = 0
	}
}
