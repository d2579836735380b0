/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: pool.go
Description: Shared module pool for the Akaylee Runtime. Maps module
identities to their proxies so every process proxy feeding coverage from the
same binary lands in the same record. Entries are created lazily and never
removed; module identities are process-independent and recur.
*/

package coverage

import (
	"sync"

	"github.com/kleascm/akaylee-runtime/pkg/interfaces"
)

// ModulePool is the process-wide mapping from module identity to module
// proxy, shared by all process proxies. Safe for concurrent use.
type ModulePool struct {
	mu      sync.Mutex
	modules map[ModuleID]*ModuleProxy
}

// NewModulePool creates an empty pool.
func NewModulePool() *ModulePool {
	return &ModulePool{
		modules: make(map[ModuleID]*ModuleProxy),
	}
}

// Get returns the proxy for id, creating one sized for counterLen on first
// registration. All processes loading the same module share one proxy.
func (mp *ModulePool) Get(id ModuleID, counterLen int) *ModuleProxy {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	proxy, ok := mp.modules[id]
	if !ok {
		proxy = NewModuleProxy(id, counterLen)
		mp.modules[id] = proxy
	}
	return proxy
}

// Lookup returns the proxy for id if one exists.
func (mp *ModulePool) Lookup(id ModuleID) (*ModuleProxy, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	proxy, ok := mp.modules[id]
	return proxy, ok
}

// Len returns the number of known modules.
func (mp *ModulePool) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.modules)
}

// snapshot copies the proxy set so aggregation does not hold the pool
// lock while scanning counters.
func (mp *ModulePool) snapshot() []*ModuleProxy {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	proxies := make([]*ModuleProxy, 0, len(mp.modules))
	for _, p := range mp.modules {
		proxies = append(proxies, p)
	}
	return proxies
}

// Measure totals Measure across all proxies in the pool.
func (mp *ModulePool) Measure() int {
	n := 0
	for _, p := range mp.snapshot() {
		n += p.Measure()
	}
	return n
}

// Accumulate totals Accumulate across all proxies in the pool.
func (mp *ModulePool) Accumulate() int {
	n := 0
	for _, p := range mp.snapshot() {
		n += p.Accumulate()
	}
	return n
}

// Clear starts a new accumulation window on every proxy.
func (mp *ModulePool) Clear() {
	for _, p := range mp.snapshot() {
		p.Clear()
	}
}

var _ interfaces.CoverageProvider = (*ModulePool)(nil)
