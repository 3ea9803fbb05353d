package job

import (
	"fmt"
	"sync"
)

// Registry maps job types to handlers. Workers look up the handler for
// each claimed job here; unknown types fail the attempt.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register binds a handler to a job type, replacing any previous
// binding.
func (r *Registry) Register(typ Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// RegisterDefinition binds a typed definition's handler.
func RegisterDefinition[T any](r *Registry, d *Definition[T]) {
	r.Register(d.Type(), d.Handler())
}

// Lookup returns the handler for typ.
func (r *Registry) Lookup(typ Type) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	if !ok {
		return nil, fmt.Errorf("keldris/job: no handler registered for type %q", typ)
	}
	return h, nil
}

// Types returns the registered job types in no particular order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	return types
}
