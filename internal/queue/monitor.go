package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
)

// Health runs the health checks for every known queue
func (m *Manager) Health(ctx context.Context) (map[string]health.Result, error) {
	names, err := m.GetQueueNames(ctx)
	if err != nil {
		return nil, err
	}

	settings := make(map[string]health.QueueSettings, len(names))
	for _, name := range names {
		cfg := m.Config(name)
		settings[name] = health.QueueSettings{
			Thresholds: cfg.Health,
			StaleAfter: cfg.StaleAfter(),
		}
	}
	return m.checker.CheckAll(ctx, settings), nil
}

// monitor periodically checks health and feeds the alert manager
func (m *Manager) monitor(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context) {
	results, err := m.Health(ctx)
	if err != nil {
		log.Error().Err(err).Msg("health check failed")
		return
	}

	m.alerts.EvaluateHealth(results)
	m.bus.Publish(events.Event{Type: events.HealthChecked, Payload: results, Timestamp: m.now()})

	if overall := health.Overall(results); overall != health.Healthy {
		log.Warn().Str("status", string(overall)).Msg("queues not healthy")
	}
}

// sweeper starts pools for newly seen queues and fails ACTIVE jobs that
// outlived their queue's stale window and that no local worker holds
func (m *Manager) sweeper(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// discoverQueues starts a pool for every queue the store knows, including
// queues another process created through AddJob
func (m *Manager) discoverQueues(ctx context.Context) {
	names, err := m.GetQueueNames(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to discover queues")
		return
	}
	for _, name := range names {
		m.ensurePool(name)
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	m.discoverQueues(ctx)

	m.mu.Lock()
	queues := make([]string, 0, len(m.pools))
	for name := range m.pools {
		queues = append(queues, name)
	}
	m.mu.Unlock()

	now := m.now()
	for _, queue := range queues {
		staleAfter := m.Config(queue).StaleAfter()
		if staleAfter <= 0 {
			continue
		}

		active, err := m.store.List(ctx, queue, job.StatusActive, 0)
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("failed to list active jobs")
			continue
		}

		p, _ := m.pool(queue)
		for _, j := range active {
			if j.StartedAt == nil || now.Sub(*j.StartedAt) <= staleAfter {
				continue
			}
			if p != nil && p.Holds(j.ID) {
				continue
			}
			m.failStalled(ctx, j)
		}
	}
}

// recoverOrphans fails every ACTIVE job; called before any local worker runs
func (m *Manager) recoverOrphans(ctx context.Context) error {
	names, err := m.GetQueueNames(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, queue := range names {
		active, err := m.store.List(ctx, queue, job.StatusActive, 0)
		if err != nil {
			return err
		}
		for _, j := range active {
			if m.failStalled(ctx, j) {
				recovered++
			}
		}
	}

	if recovered > 0 {
		log.Warn().Int("jobs", recovered).Msg("recovered jobs left active by a previous run")
	}
	return nil
}

func (m *Manager) failStalled(ctx context.Context, j *job.Job) bool {
	var started time.Time
	if j.StartedAt != nil {
		started = *j.StartedAt
	}

	// the snapshot may be stale; only the episode it saw is failed
	_, err := m.FailClaim(ctx, j.CurrentClaim(), job.NewHandlerError(job.KindStalled, job.ErrStalled))
	if err != nil {
		if !errors.Is(err, job.ErrInvalidTransition) && !errors.Is(err, job.ErrNotFound) {
			log.Error().Err(err).Str("job_id", j.ID).Str("queue", j.Queue).Msg("failed to recover stalled job")
		}
		return false
	}

	metrics.JobsStalledTotal.WithLabelValues(j.Queue).Inc()
	log.Warn().Str("job_id", j.ID).Str("queue", j.Queue).Time("started_at", started).Msg("stalled job recovered")
	return true
}
