package strategy

import (
	"sort"
	"sync"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/pkg/schema"
)

// Registry is the thread-safe strategy-kind registry.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds a builder under a strategy kind. Returns an error on
// duplicate kind.
func (r *Registry) Register(kind string, builder Builder) error {
	if builder == nil {
		return schema.NewError(schema.ErrCodeValidation, "builder is nil")
	}
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "strategy kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "strategy %q already registered", kind)
	}

	r.builders[kind] = builder
	return nil
}

// Build constructs a node of the given kind from the spec.
func (r *Registry) Build(kind string, spec Spec) (engine.Node, error) {
	r.mu.RLock()
	builder, ok := r.builders[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "strategy %q not registered", kind)
	}
	return builder(spec)
}

// Has checks if a strategy kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[kind]
	return ok
}

// Kinds returns all registered strategy kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Count returns the number of registered strategies.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builders)
}
