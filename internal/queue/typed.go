package queue

import (
	"context"

	"github.com/relayq/relayq/internal/worker"
)

// Handle registers a handler receiving the decoded payload of jobType
func Handle[P, R any](m *Manager, jobType string, fn func(ctx context.Context, payload P) (R, error)) {
	m.RegisterHandler(jobType, worker.Typed(fn))
}

// Enqueue adds a job whose payload type matches a Handle registration
func Enqueue[P any](ctx context.Context, m *Manager, queue, jobType string, payload P, opts ...JobOption) (string, error) {
	return m.AddJob(ctx, queue, jobType, payload, opts...)
}
