package replicator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/schema"
)

// Registry maps service-type tags to types. Build one at startup and pass it down.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

func NewRegistry(types ...Type) (*Registry, error) {
	r := &Registry{types: make(map[string]Type)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Type) error {
	d := t.Descriptor()
	if d.Name == "" {
		return fmt.Errorf("service type has no name")
	}
	if err := schema.ValidateColumn(t.RemoteKeyColumn()); err != nil {
		return fmt.Errorf("service type %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[d.Name]; ok {
		return fmt.Errorf("service type %s is already registered", d.Name)
	}
	r.types[d.Name] = t
	return nil
}

func (r *Registry) Get(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// List returns every type ordered by name.
func (r *Registry) List() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor().Name < out[j].Descriptor().Name })
	return out
}

// Dependents returns the types that declare name as their dependency.
func (r *Registry) Dependents(name string) []Type {
	var out []Type
	for _, t := range r.List() {
		if t.Descriptor().DependsOn == name {
			out = append(out, t)
		}
	}
	return out
}
