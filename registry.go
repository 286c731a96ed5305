package batchq

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes a single item of a job. It receives the item identifier
// and the job's payload, and returns a success message or an error. Handlers
// may be re-invoked for an item after a crash between commit points, so side
// effects should be idempotent wherever practical.
type Handler func(ctx context.Context, itemID string, payload Payload) (string, error)

// Registry maps job kinds to their item handlers. It decouples the queue
// runner from kind-specific business logic and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobKind]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[JobKind]Handler),
	}
}

// Register installs the handler for a kind, replacing any previous one.
func (r *Registry) Register(kind JobKind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Has reports whether a handler is registered for the kind.
func (r *Registry) Has(kind JobKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]JobKind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Dispatch runs the handler for one item and converts every outcome into an
// ItemResult. An unregistered kind, a handler error, and a handler panic all
// become failed results: item outcomes are data, not control flow, and a
// handler can never abort the batch loop.
func (r *Registry) Dispatch(ctx context.Context, kind JobKind, itemID string, payload Payload) (res ItemResult) {
	res = ItemResult{ItemID: itemID}

	r.mu.RLock()
	handler, ok := r.handlers[kind]
	r.mu.RUnlock()
	if !ok {
		res.Status = ResultFailed
		res.Message = fmt.Sprintf("%v: %s", ErrUnknownKind, kind)
		return res
	}

	defer func() {
		if rec := recover(); rec != nil {
			res.Status = ResultFailed
			res.Message = fmt.Sprintf("handler panic: %v", rec)
		}
	}()

	msg, err := handler(ctx, itemID, payload)
	if err != nil {
		res.Status = ResultFailed
		res.Message = err.Error()
		return res
	}
	res.Status = ResultSuccess
	res.Message = msg
	return res
}
