// Package store defines the queue store contract: durable per-queue job
// storage whose ClaimNext atomically moves the best eligible WAITING job to
// ACTIVE. Every state change goes through Update so conflicting transitions
// on the same job are serialized.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relayq/relayq/internal/job"
)

// ErrUnavailable marks transient infrastructure failures. Callers retry the
// store call itself rather than failing the job.
var ErrUnavailable = errors.New("store unavailable")

// Counts is a per-status tally of a queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	// OldestWaiting is the creation time of the oldest WAITING job.
	OldestWaiting *time.Time `json:"oldestWaiting,omitempty"`
}

// Total returns the number of jobs across all statuses.
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Completed + c.Failed
}

// ActivityRetention is how long finish records are kept for Activity.
// Windows longer than this see only the retained part.
const ActivityRetention = time.Hour

// Activity summarizes the jobs of a queue that finished since some point in
// time. Finish records outlive trimming of the jobs themselves.
type Activity struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	// Processing sums the processing time of Timed completions
	Processing time.Duration `json:"processing"`
	Timed      int64         `json:"timed"`
	// LastCompleted is the most recent completion in the queue, regardless
	// of since. Nil when none is retained.
	LastCompleted *time.Time `json:"lastCompleted,omitempty"`
}

// UpdateFunc mutates a private copy of a job. Returning an error aborts the
// update and leaves the stored job untouched.
type UpdateFunc func(j *job.Job) error

// Store is implemented by Memory and redisstore.Store.
type Store interface {
	// Add persists a new WAITING job and assigns its sequence number.
	Add(ctx context.Context, j *job.Job) (*job.Job, error)
	// ClaimNext activates the highest priority, lowest sequence WAITING job
	// of queue whose delay has passed. It returns nil, nil when none is
	// eligible.
	ClaimNext(ctx context.Context, queue string, now time.Time) (*job.Job, error)
	// Update applies fn atomically to job id and reindexes it.
	Update(ctx context.Context, id string, fn UpdateFunc) (*job.Job, error)
	// Get returns job.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*job.Job, error)
	// List returns up to limit jobs of queue in status (all when limit <= 0).
	List(ctx context.Context, queue string, status job.Status, limit int) ([]*job.Job, error)
	// Clear removes every job of queue and returns how many were removed.
	Clear(ctx context.Context, queue string) (int, error)
	// Trim keeps the newest keep COMPLETED or FAILED jobs of queue.
	Trim(ctx context.Context, queue string, status job.Status, keep int) (int, error)
	Queues(ctx context.Context) ([]string, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	// Activity reports the jobs of queue that reached COMPLETED or FAILED
	// at or after since.
	Activity(ctx context.Context, queue string, since time.Time) (Activity, error)
	Ping(ctx context.Context) error
	Close() error
}
