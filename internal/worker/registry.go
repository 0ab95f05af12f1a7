package worker

import (
	"context"
	"fmt"
	"sort"

	"marketplace-orchestrator/internal/models"
)

// Handler executes one job. A nil error completes the job with the returned payload.
// Errors are classified with models.Permanent / models.Transient; unclassified errors
// are retried. The payload returned next to an error is kept as the partial result.
type Handler interface {
	Execute(ctx context.Context, exec *Execution) (models.Payload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec *Execution) (models.Payload, error)

func (f HandlerFunc) Execute(ctx context.Context, exec *Execution) (models.Payload, error) {
	return f(ctx, exec)
}

// Registry maps handler keys from the action-type table to implementations.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler key. Registering a key twice is a programming error.
func (r *Registry) Register(key string, h Handler) {
	if key == "" || h == nil {
		panic("worker: empty handler key or nil handler")
	}
	if _, dup := r.handlers[key]; dup {
		panic(fmt.Sprintf("worker: handler %q registered twice", key))
	}
	r.handlers[key] = h
}

func (r *Registry) Lookup(key string) (Handler, bool) {
	h, ok := r.handlers[key]
	return h, ok
}

// Keys lists registered handler keys in order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate returns the action types whose handler key has no implementation.
func (r *Registry) Validate(types []models.ActionType) []models.ActionType {
	var missing []models.ActionType
	for _, at := range types {
		if _, ok := r.handlers[at.HandlerKey]; !ok {
			missing = append(missing, at)
		}
	}
	return missing
}
