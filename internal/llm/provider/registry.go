package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider from loosely typed options such as "api_key",
// "model", "base_url" and "region".
type Factory func(config map[string]any) (Provider, error)

// Registry maps provider names to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a factory under name, replacing any previous one
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New builds the named provider
func (r *Registry) New(name string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}
	return factory(config)
}

// Has checks if a factory is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns all registered provider names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var globalRegistry = NewRegistry()

// RegisterFactory registers a factory globally. Provider files call it from init.
func RegisterFactory(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// New builds a provider from the global registry
func New(name string, config map[string]any) (Provider, error) {
	return globalRegistry.New(name, config)
}

// Has checks if a provider exists in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// List returns all registered provider names from the global registry
func List() []string {
	return globalRegistry.List()
}
