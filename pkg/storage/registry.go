package storage

import (
	"fmt"
	"sort"
	"sync"
)

// TierRegistry holds the registered backends in hierarchy order. The
// registration order is preserved; rank-ordered views are derived from
// the descriptors.
type TierRegistry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

// NewTierRegistry creates an empty registry.
func NewTierRegistry() *TierRegistry {
	return &TierRegistry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under its descriptor name. Registering a
// duplicate name is a configuration error.
func (r *TierRegistry) Register(backend Backend) error {
	desc := backend.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("backend descriptor has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[desc.Name]; exists {
		return fmt.Errorf("backend %q already registered", desc.Name)
	}
	r.backends[desc.Name] = backend
	r.order = append(r.order, desc.Name)
	return nil
}

// Deregister removes a backend by name.
func (r *TierRegistry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.backends, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a backend by tier name.
func (r *TierRegistry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered tier names in registration order.
func (r *TierRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// All returns the backends in registration order.
func (r *TierRegistry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.backends[name])
	}
	return result
}

// ByLatency returns the backends ordered by ascending latency rank.
// Ties fall back to registration order so the ordering is stable.
func (r *TierRegistry) ByLatency() []Backend {
	backends := r.All()
	sort.SliceStable(backends, func(i, j int) bool {
		return backends[i].Descriptor().LatencyRank < backends[j].Descriptor().LatencyRank
	})
	return backends
}

// ByClass returns the backends of one tier class.
func (r *TierRegistry) ByClass(class TierClass) []Backend {
	var result []Backend
	for _, b := range r.All() {
		if b.Descriptor().Class == class {
			result = append(result, b)
		}
	}
	return result
}

// Writable returns the writable backends ordered by ascending latency.
func (r *TierRegistry) Writable() []Backend {
	var result []Backend
	for _, b := range r.ByLatency() {
		if b.Descriptor().Writable {
			result = append(result, b)
		}
	}
	return result
}

// WithCapability returns backends advertising a capability.
func (r *TierRegistry) WithCapability(cap string) []Backend {
	var result []Backend
	for _, b := range r.All() {
		if b.Descriptor().HasCapability(cap) {
			result = append(result, b)
		}
	}
	return result
}

// FirstByDurability returns the fastest backend whose durability rank
// is at least the threshold, for archival write scheduling.
func (r *TierRegistry) FirstByDurability(minRank int) (Backend, bool) {
	for _, b := range r.ByLatency() {
		if b.Descriptor().Writable && b.Descriptor().DurabilityRank >= minRank {
			return b, true
		}
	}
	return nil, false
}
