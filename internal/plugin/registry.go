package plugin

import (
	"fmt"
	"sync"
)

// Registry holds installed plugins. Reads are concurrent; Find returns plugins
// in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Metadata
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Metadata)}
}

// Register adds a plugin. Names are unique.
func (r *Registry) Register(meta *Metadata) error {
	if meta == nil || meta.Name == "" {
		return fmt.Errorf("plugin metadata requires a name")
	}
	if meta.Replicas <= 0 {
		meta.Replicas = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[meta.Name]; exists {
		return fmt.Errorf("plugin %q already registered", meta.Name)
	}
	r.plugins[meta.Name] = meta
	r.order = append(r.order, meta.Name)
	return nil
}

func (r *Registry) Get(name string) (*Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.plugins[name]
	return m, ok
}

// All returns every plugin in registration order.
func (r *Registry) All() []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Metadata, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// Find returns all plugins declaring capability, in registration order.
func (r *Registry) Find(capability string) []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Metadata
	for _, name := range r.order {
		if m := r.plugins[name]; m.Supports(capability) {
			out = append(out, m)
		}
	}
	return out
}

// Supports reports whether any plugin declares capability.
func (r *Registry) Supports(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.plugins {
		if m.Supports(capability) {
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
