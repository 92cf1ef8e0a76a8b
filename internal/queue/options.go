package queue

import (
	"time"

	"github.com/relayq/relayq/internal/job"
)

type jobOptions struct {
	priority       job.Priority
	delay          time.Duration
	maxAttempts    uint32
	timeout        time.Duration
	idempotencyKey string
}

// JobOption tunes a single AddJob call
type JobOption func(*jobOptions)

// WithPriority sets the job priority (default normal)
func WithPriority(p job.Priority) JobOption {
	return func(o *jobOptions) {
		o.priority = p
	}
}

// WithDelay makes the job ineligible for dequeue until d has passed
func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) {
		o.delay = d
	}
}

// WithMaxAttempts overrides the queue's max_attempts
func WithMaxAttempts(n uint32) JobOption {
	return func(o *jobOptions) {
		o.maxAttempts = n
	}
}

// WithTimeout overrides the queue's handler watchdog for this job
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) {
		o.timeout = d
	}
}

// WithIdempotencyKey makes repeated AddJob calls with the same key return
// the first job's id
func WithIdempotencyKey(key string) JobOption {
	return func(o *jobOptions) {
		o.idempotencyKey = key
	}
}
