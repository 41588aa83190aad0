package crawler

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps configuration identifiers to component factories. It stands
// in for runtime class loading: everything selectable by name is registered
// up front.
type Registry[F any] struct {
	kind      string
	factories map[string]F
}

// NewRegistry builds an empty registry; kind is used in error messages.
func NewRegistry[F any](kind string) *Registry[F] {
	return &Registry[F]{kind: kind, factories: make(map[string]F)}
}

// Register adds or replaces the factory for name.
func (r *Registry[F]) Register(name string, factory F) {
	r.factories[strings.ToLower(name)] = factory
}

// Lookup returns the factory registered for name.
func (r *Registry[F]) Lookup(name string) (F, error) {
	factory, ok := r.factories[strings.ToLower(name)]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s %q (known: %s)", ErrUnknownComponent, r.kind, name, strings.Join(r.Names(), ", "))
	}
	return factory, nil
}

// Names lists registered identifiers in sorted order.
func (r *Registry[F]) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
