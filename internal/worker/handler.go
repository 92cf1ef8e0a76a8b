package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/relayq/relayq/internal/job"
)

// Handler processes one job and returns its result
type Handler interface {
	Handle(ctx context.Context, j *job.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Handle calls f(ctx, j)
func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	return f(ctx, j)
}

// Typed adapts a function over a concrete payload and result type. The
// payload is decoded from JSON before the call and the result encoded after.
func Typed[P, R any](fn func(ctx context.Context, payload P) (R, error)) Handler {
	return HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		var payload P
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &payload); err != nil {
				return nil, fmt.Errorf("failed to decode %s payload: %w", j.Type, err)
			}
		}

		result, err := fn(ctx, payload)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s result: %w", j.Type, err)
		}
		return data, nil
	})
}

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for a job type, replacing any previous one
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for a job type
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists registered job types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
