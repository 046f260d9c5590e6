package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured task backends and routes tasks to them
type Registry struct {
	tasks    map[string]TaskEngine
	fallback string
	mu       sync.RWMutex
}

// NewRegistry creates a registry whose unknown-name fallback is fallback
func NewRegistry(fallback string, engines ...TaskEngine) (*Registry, error) {
	r := &Registry{
		tasks:    make(map[string]TaskEngine),
		fallback: fallback,
	}
	for _, e := range engines {
		r.tasks[e.Name()] = e
	}
	if _, ok := r.tasks[fallback]; !ok {
		return nil, fmt.Errorf("default backend %q is not configured", fallback)
	}
	return r, nil
}

// Get returns the backend registered under name
func (r *Registry) Get(name string) (TaskEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unsupported backend: %s", name)
	}
	return e, nil
}

// Route determines the backend for a task, falling back to the default
func (r *Registry) Route(requested string) TaskEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.tasks[requested]; ok {
		return e
	}
	return r.tasks[r.fallback]
}

// All returns every backend ordered by name
func (r *Registry) All() []TaskEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TaskEngine, 0, len(names))
	for _, name := range names {
		out = append(out, r.tasks[name])
	}
	return out
}
