package platform

import (
	"fmt"
	"sync"
)

// Registry holds the adapters available to the dispatcher and poller, keyed
// by platform type. Registration happens once at startup; lookups are hot.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its platform type. Registering the same
// platform twice is a programming error.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("adapter must have a non-empty platform name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Name()]; dup {
		return fmt.Errorf("adapter for platform %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter for a platform type, or nil if none is registered.
func (r *Registry) Get(platformType string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[platformType]
}

// Platforms returns the registered platform types.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
