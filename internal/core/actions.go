package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Handler implements a named action. It receives a copy of the task's
// parameters and returns an opaque result.
type Handler func(ctx context.Context, params Params) (any, error)

// ActionRequest names an action and the parameters it is invoked with.
type ActionRequest struct {
	Name   string
	Params Params
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Resolve returns the handler registered under name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", ErrConfiguration, ErrUnknownAction, name)
	}
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Invoke resolves and calls the handler for req. Handler errors and panics
// are returned wrapped in ErrExecution.
func (r *Registry) Invoke(ctx context.Context, req ActionRequest) (result any, err error) {
	handler, err := r.Resolve(req.Name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%w: action %s panicked: %v", ErrExecution, req.Name, rec)
		}
	}()
	result, err = handler(ctx, req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return result, nil
}
