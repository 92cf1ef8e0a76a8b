package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/alert"
	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/ratelimit"
	"github.com/relayq/relayq/internal/stats"
	"github.com/relayq/relayq/internal/store"
)

// AddJob adds a WAITING job to queue and returns its id. payload is
// marshalled to JSON unless it already is a json.RawMessage.
func (m *Manager) AddJob(ctx context.Context, queue, jobType string, payload interface{}, opts ...JobOption) (string, error) {
	if queue == "" {
		return "", errors.New("queue name is required")
	}
	if jobType == "" {
		return "", errors.New("job type is required")
	}

	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return "", ErrShuttingDown
	}

	cfg, known := m.queues[queue]
	if !known {
		if m.opts.StrictQueues {
			return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
		}
		cfg = m.opts.Defaults
	}

	if !m.allow(queue, cfg) {
		metrics.RateLimitRejections.WithLabelValues(queue).Inc()
		return "", ErrRateLimited
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	o := jobOptions{priority: job.PriorityNormal, maxAttempts: cfg.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.priority < job.PriorityLow || o.priority > job.MaxPriority {
		return "", fmt.Errorf("invalid priority %d", o.priority)
	}

	id := uuid.New().String()

	if o.idempotencyKey != "" {
		existing, err := m.reserveKey(ctx, queue, o.idempotencyKey, id)
		if err != nil {
			return "", err
		}
		if existing != "" {
			log.Debug().Str("job_id", existing).Str("queue", queue).Msg("duplicate idempotency key, returning existing job")
			return existing, nil
		}
	}

	j := job.New(id, queue, jobType, data, job.Options{
		Priority:    o.priority,
		Delay:       o.delay,
		MaxAttempts: o.maxAttempts,
		Timeout:     o.timeout,
	}, m.now())

	added, err := m.store.Add(ctx, j)
	if err != nil {
		m.storeError("add", err)
		if o.idempotencyKey != "" {
			if rerr := m.opts.Deduper.ReleaseIdempotencyKey(queue, o.idempotencyKey); rerr != nil {
				log.Error().Err(rerr).Str("queue", queue).Msg("failed to release idempotency key")
			}
		}
		return "", fmt.Errorf("failed to add job: %w", err)
	}

	metrics.JobsAddedTotal.WithLabelValues(queue).Inc()
	log.Debug().Str("job_id", id).Str("queue", queue).Str("type", jobType).
		Str("priority", added.Priority.String()).Msg("job added")

	m.publish(events.JobAdded, added)
	m.ensurePool(queue)
	m.wake(queue)

	return id, nil
}

// reserveKey returns the id of a live job already bound to key, or "" once
// key is bound to id
func (m *Manager) reserveKey(ctx context.Context, queue, key, id string) (string, error) {
	if m.opts.Deduper == nil {
		return "", errors.New("idempotency keys are not enabled")
	}

	bound, err := m.opts.Deduper.ReserveIdempotencyKey(queue, key, id)
	if err != nil {
		return "", fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if bound == id {
		return "", nil
	}

	_, err = m.store.Get(ctx, bound)
	switch {
	case err == nil:
		return bound, nil
	case !errors.Is(err, job.ErrNotFound):
		return "", fmt.Errorf("failed to look up job %s: %w", bound, err)
	}

	// the bound job was cleared or trimmed
	if err := m.opts.Deduper.ReplaceIdempotencyKey(queue, key, id); err != nil {
		return "", fmt.Errorf("failed to rebind idempotency key: %w", err)
	}
	return "", nil
}

func (m *Manager) allow(queue string, cfg QueueConfig) bool {
	m.ensureLimit(queue, cfg)
	return m.limiter.Allow(queue)
}

// ensureLimit installs the configured bucket of queue the first time it is seen
func (m *Manager) ensureLimit(queue string, cfg QueueConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limited[queue] {
		return
	}
	if cfg.RateLimit.Capacity > 0 {
		m.limiter.Set(queue, ratelimit.Limit(cfg.RateLimit))
	}
	m.limited[queue] = true
}

// SetRateLimit replaces the AddJob token bucket of queue at runtime. A
// non-positive capacity or refill rate removes the limit.
func (m *Manager) SetRateLimit(queue string, capacity, refillRate float64) {
	m.mu.Lock()
	m.limited[queue] = true
	m.mu.Unlock()

	m.limiter.Set(queue, ratelimit.Limit{Capacity: capacity, RefillRate: refillRate})
	log.Info().Str("queue", queue).Float64("capacity", capacity).Float64("refill_rate", refillRate).Msg("rate limit updated")
}

// RateLimit returns the bucket of queue and its available tokens
func (m *Manager) RateLimit(queue string) (capacity, refillRate, tokens float64, exists bool) {
	m.ensureLimit(queue, m.Config(queue))
	lim, exists := m.limiter.Get(queue)
	return lim.Capacity, lim.RefillRate, m.limiter.Tokens(queue), exists
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("payload is not valid JSON")
		}
		return raw, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DequeueNext claims the next eligible job of queue, or returns nil when
// none is eligible
func (m *Manager) DequeueNext(ctx context.Context, queue string) (*job.Job, error) {
	j, err := m.store.ClaimNext(ctx, queue, m.now())
	if err != nil {
		m.storeError("claim", err)
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
	}
	if j == nil {
		return nil, nil
	}

	metrics.JobsStartedTotal.WithLabelValues(queue).Inc()
	log.Debug().Str("job_id", j.ID).Str("queue", queue).Uint32("attempt", j.AttemptsMade+1).Msg("job started")

	m.publish(events.JobStarted, j)
	return j, nil
}

// Complete moves an ACTIVE job to COMPLETED, whichever episode it is in
func (m *Manager) Complete(ctx context.Context, id string, result json.RawMessage) (*job.Job, error) {
	return m.complete(ctx, id, nil, result)
}

// CompleteClaim completes the episode c. A job recovered and claimed again
// since c was dequeued rejects it with job.ErrInvalidTransition.
func (m *Manager) CompleteClaim(ctx context.Context, c job.Claim, result json.RawMessage) (*job.Job, error) {
	return m.complete(ctx, c.JobID, &c, result)
}

func (m *Manager) complete(ctx context.Context, id string, claim *job.Claim, result json.RawMessage) (*job.Job, error) {
	now := m.now()
	j, err := m.store.Update(ctx, id, func(j *job.Job) error {
		if claim != nil {
			if err := j.CheckClaim(*claim); err != nil {
				return err
			}
		}
		return j.Complete(result, now)
	})
	if err != nil {
		m.storeError("complete", err)
		return nil, fmt.Errorf("failed to complete job %s: %w", id, err)
	}

	metrics.JobsCompletedTotal.WithLabelValues(j.Queue).Inc()
	metrics.ProcessingSeconds.WithLabelValues(j.Queue).Observe(j.ProcessingTime().Seconds())
	log.Debug().Str("job_id", id).Str("queue", j.Queue).Dur("processing_time", j.ProcessingTime()).Msg("job completed")

	m.publish(events.JobCompleted, j)
	m.trim(ctx, j.Queue, job.StatusCompleted, m.Config(j.Queue).RemoveOnComplete)
	return j, nil
}

// Fail records a failed attempt of an ACTIVE job. The job goes back to
// WAITING with a backoff delay while attempts remain, otherwise to FAILED.
func (m *Manager) Fail(ctx context.Context, id string, cause error) (*job.Job, error) {
	return m.fail(ctx, id, nil, cause)
}

// FailClaim fails the episode c, rejecting it like CompleteClaim when the
// job moved on
func (m *Manager) FailClaim(ctx context.Context, c job.Claim, cause error) (*job.Job, error) {
	return m.fail(ctx, c.JobID, &c, cause)
}

func (m *Manager) fail(ctx context.Context, id string, claim *job.Claim, cause error) (*job.Job, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}

	now := m.now()
	var retried bool
	j, err := m.store.Update(ctx, id, func(j *job.Job) error {
		if claim != nil {
			if err := j.CheckClaim(*claim); err != nil {
				return err
			}
		}
		var err error
		retried, err = j.Fail(cause, m.Config(j.Queue).Policy(), now)
		return err
	})
	if err != nil {
		m.storeError("fail", err)
		return nil, fmt.Errorf("failed to fail job %s: %w", id, err)
	}

	if retried {
		metrics.JobsRetriedTotal.WithLabelValues(j.Queue, string(j.LastFailureKind)).Inc()
		logger := log.Debug().Str("job_id", id).Str("queue", j.Queue).Str("error", j.LastError).
			Uint32("attempts", j.AttemptsMade).Uint32("max_attempts", j.MaxAttempts)
		if j.DelayUntil != nil {
			logger = logger.Time("delay_until", *j.DelayUntil)
		}
		logger.Msg("job scheduled for retry")

		m.publish(events.JobStatusUpdated, j)
		m.wake(j.Queue)
		return j, nil
	}

	metrics.JobsFailedTotal.WithLabelValues(j.Queue).Inc()
	log.Warn().Str("job_id", id).Str("queue", j.Queue).Str("type", j.Type).Str("error", j.LastError).
		Str("kind", string(j.LastFailureKind)).Uint32("attempts", j.AttemptsMade).Msg("job failed")

	m.publish(events.JobFailed, j)
	m.trim(ctx, j.Queue, job.StatusFailed, m.Config(j.Queue).RemoveOnFail)
	return j, nil
}

// GetJob returns a job by id; unknown ids wrap job.ErrNotFound
func (m *Manager) GetJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns up to limit jobs of queue in status
func (m *Manager) ListJobs(ctx context.Context, queue string, status job.Status, limit int) ([]*job.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	jobs, err := m.store.List(ctx, queue, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetQueueStats returns a statistics snapshot of queue
func (m *Manager) GetQueueStats(ctx context.Context, queue string) (stats.QueueStats, error) {
	return m.stats.Stats(ctx, queue)
}

// ClearQueue removes every job of queue. Jobs executing at the time finish
// but their outcome is discarded.
func (m *Manager) ClearQueue(ctx context.Context, queue string) (int, error) {
	n, err := m.store.Clear(ctx, queue)
	if err != nil {
		m.storeError("clear", err)
		return 0, fmt.Errorf("failed to clear queue %s: %w", queue, err)
	}

	log.Info().Str("queue", queue).Int("removed", n).Msg("queue cleared")
	m.bus.Publish(events.Event{Type: events.QueueCleared, Queue: queue, Payload: n, Timestamp: m.now()})
	return n, nil
}

// Alerts returns the open alerts
func (m *Manager) Alerts() []alert.Alert {
	return m.alerts.Active()
}

// AlertHistory returns recently resolved alerts
func (m *Manager) AlertHistory() []alert.Alert {
	return m.alerts.History()
}

func (m *Manager) trim(ctx context.Context, queue string, status job.Status, keep int) {
	if keep < 0 {
		return
	}
	n, err := m.store.Trim(ctx, queue, status, keep)
	if err != nil {
		m.storeError("trim", err)
		log.Error().Err(err).Str("queue", queue).Str("status", string(status)).Msg("failed to trim finished jobs")
		return
	}
	if n > 0 {
		log.Debug().Str("queue", queue).Str("status", string(status)).Int("removed", n).Msg("trimmed finished jobs")
	}
}

func (m *Manager) publish(t events.Type, j *job.Job) {
	m.bus.Publish(events.Event{
		Type:      t,
		Queue:     j.Queue,
		JobID:     j.ID,
		Job:       j.Clone(),
		Timestamp: m.now(),
	})
}

func (m *Manager) storeError(op string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}
