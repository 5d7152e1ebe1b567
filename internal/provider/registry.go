package provider

import (
	"fmt"
	"sync"
)

// Entry is a registered provider with its settings.
type Entry struct {
	Provider Provider
	Settings Settings
}

// Registry holds providers in fallback priority order.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byName  map[string]int
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
	}
}

// Register appends p at the lowest priority so far.
func (r *Registry) Register(p Provider, s Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[p.Name()]; dup {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = len(r.entries)
	r.entries = append(r.entries, Entry{Provider: p, Settings: s})
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Ordered returns a copy of the entries in priority order.
func (r *Registry) Ordered() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Names returns provider names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Provider.Name()
	}
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
