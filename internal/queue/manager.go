// Package queue provides the queue Manager: the context object producers
// and workers share. It owns the per-queue configuration and wires the store,
// the event bus, the worker pools and the stats, health and alert components.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relayq/relayq/internal/alert"
	"github.com/relayq/relayq/internal/backoff"
	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/ratelimit"
	"github.com/relayq/relayq/internal/stats"
	"github.com/relayq/relayq/internal/store"
	"github.com/relayq/relayq/internal/worker"
)

// Deduper binds idempotency keys to job ids; kv.Store implements it
type Deduper interface {
	ReserveIdempotencyKey(queue, key, jobID string) (string, error)
	ReplaceIdempotencyKey(queue, key, jobID string) error
	ReleaseIdempotencyKey(queue, key string) error
}

// Options configure a Manager
type Options struct {
	// Defaults apply to every queue; Queues holds per-queue overrides
	Defaults QueueConfig
	Queues   map[string]QueueOverride

	PollInterval    time.Duration
	ShutdownGrace   time.Duration
	MonitorInterval time.Duration
	SweepInterval   time.Duration
	StatsWindow     time.Duration
	DeadlockWindow  time.Duration
	StoreFailAfter  time.Duration
	StoreRetry      backoff.Policy
	MemoryWarnBytes uint64
	MemoryFailBytes uint64

	Alerts  alert.Options
	Deduper Deduper

	// StrictQueues rejects AddJob for queues missing from Queues
	StrictQueues bool
	// RecoverOnStart fails jobs left ACTIVE by a previous process
	RecoverOnStart bool
	// DisableWorkers makes this manager a producer only
	DisableWorkers bool

	Now func() time.Time
}

// DefaultOptions returns options with the default queue configuration
func DefaultOptions() Options {
	return Options{
		Defaults:        DefaultQueueConfig(),
		PollInterval:    time.Second,
		ShutdownGrace:   30 * time.Second,
		MonitorInterval: 10 * time.Second,
		SweepInterval:   30 * time.Second,
		StatsWindow:     time.Minute,
		DeadlockWindow:  5 * time.Minute,
		StoreFailAfter:  30 * time.Second,
		StoreRetry:      backoff.StoreRetryPolicy(),
		RecoverOnStart:  true,
	}
}

// Manager manages multiple queues
type Manager struct {
	opts     Options
	store    store.Store
	bus      *events.Bus
	registry *worker.Registry
	limiter  *ratelimit.Limiter
	stats    *stats.Aggregator
	checker  *health.Checker
	alerts   *alert.Manager
	now      func() time.Time

	// resolved per-queue configs, read-only after NewManager
	queues map[string]QueueConfig

	mu      sync.Mutex
	pools   map[string]*worker.Pool
	limited map[string]bool
	started bool
	closing bool
	runCtx  context.Context
	cancel  context.CancelFunc

	// Background workers
	wg sync.WaitGroup
}

// NewManager creates a new queue manager over st. The caller owns st and
// closes it after Shutdown.
func NewManager(st store.Store, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.Defaults == (QueueConfig{}) {
		opts.Defaults = defaults.Defaults
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaults.ShutdownGrace
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaults.MonitorInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = defaults.StatsWindow
	}
	if opts.StoreRetry.BaseDelay <= 0 {
		opts.StoreRetry = defaults.StoreRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alerts.Now == nil {
		opts.Alerts.Now = opts.Now
	}

	m := &Manager{
		opts:     opts,
		store:    st,
		bus:      events.NewBus(),
		registry: worker.NewRegistry(),
		limiter:  ratelimit.NewLimiter(),
		now:      opts.Now,
		queues:   make(map[string]QueueConfig, len(opts.Queues)),
		pools:    make(map[string]*worker.Pool),
		limited:  make(map[string]bool),
	}

	for name, override := range opts.Queues {
		m.queues[name] = opts.Defaults.Merge(override)
	}

	m.stats = stats.New(st, stats.Options{Window: opts.StatsWindow, Now: opts.Now})
	m.checker = health.NewChecker(health.Config{
		DeadlockWindow:    opts.DeadlockWindow,
		MemoryWarnBytes:   opts.MemoryWarnBytes,
		MemoryFailBytes:   opts.MemoryFailBytes,
		StoreFailAfter:    opts.StoreFailAfter,
		StoreFailingSince: m.storeFailingSince,
		Now:               opts.Now,
	}, m.stats, st)
	m.alerts = alert.NewManager(opts.Alerts, m.bus)

	return m
}

// RegisterHandler registers the handler for a job type. Handlers may be
// registered after Start; pools for known queues start on demand.
func (m *Manager) RegisterHandler(jobType string, h worker.Handler) {
	m.registry.Register(jobType, h)
	log.Info().Str("type", jobType).Msg("registered handler")

	m.mu.Lock()
	running := m.started && !m.closing
	m.mu.Unlock()
	if !running {
		return
	}

	names, err := m.GetQueueNames(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("failed to list queues")
		return
	}
	for _, name := range names {
		m.ensurePool(name)
	}
}

// Config returns the effective configuration of a queue
func (m *Manager) Config(queue string) QueueConfig {
	if cfg, ok := m.queues[queue]; ok {
		return cfg
	}
	return m.opts.Defaults
}

// Subscribe returns a subscription to the manager's event bus
func (m *Manager) Subscribe(buffer int, types ...events.Type) *events.Subscription {
	return m.bus.Subscribe(buffer, types...)
}

// Start recovers jobs orphaned by a previous process, then launches the
// background workers and a worker pool per known queue
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closing {
		m.mu.Unlock()
		return errors.New("queue manager already started")
	}
	m.mu.Unlock()

	if m.opts.RecoverOnStart {
		if err := m.recoverOrphans(ctx); err != nil {
			return fmt.Errorf("failed to recover active jobs: %w", err)
		}
	}

	m.mu.Lock()
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true
	runCtx := m.runCtx
	m.mu.Unlock()

	m.wg.Add(2)
	go m.monitor(runCtx)
	go m.sweeper(runCtx)

	names, err := m.GetQueueNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}
	for _, name := range names {
		m.ensurePool(name)
	}

	log.Info().Int("queues", len(names)).Msg("queue manager started")
	return nil
}

// Shutdown stops dequeuing, drains in-flight jobs for up to the shutdown
// grace (or until ctx's deadline, whichever is sooner) and stops the
// background workers. Jobs still running afterwards stay ACTIVE.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	pools := make([]*worker.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	cancel := m.cancel
	m.mu.Unlock()

	grace := m.opts.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	if grace < 0 {
		grace = 0
	}

	log.Info().Dur("grace", grace).Int("pools", len(pools)).Msg("shutting down queue manager")

	var g errgroup.Group
	for _, p := range pools {
		p := p
		g.Go(func() error {
			p.Stop(grace)
			return nil
		})
	}
	_ = g.Wait()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.bus.Publish(events.Event{Type: events.Shutdown, Timestamp: m.now()})
	m.bus.Close()

	log.Info().Msg("queue manager stopped")
	return nil
}

// ensurePool starts the worker pool of queue if this manager runs workers
func (m *Manager) ensurePool(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.closing || m.opts.DisableWorkers {
		return
	}
	if _, ok := m.pools[queue]; ok {
		return
	}
	if len(m.registry.Types()) == 0 {
		return
	}

	cfg := m.Config(queue)
	p := worker.NewPool(worker.Config{
		Queue:        queue,
		Concurrency:  cfg.Concurrency,
		PollInterval: m.opts.PollInterval,
		JobTimeout:   cfg.Watchdog(),
		StoreRetry:   m.opts.StoreRetry,
	}, m, m.registry)
	p.Start(m.runCtx)
	m.pools[queue] = p
}

func (m *Manager) pool(queue string) (*worker.Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[queue]
	return p, ok
}

func (m *Manager) wake(queue string) {
	if p, ok := m.pool(queue); ok {
		p.Wake()
	}
}

// storeFailingSince is the earliest time any pool started seeing store errors
func (m *Manager) storeFailingSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	for _, p := range m.pools {
		since := p.FailingSince()
		if since.IsZero() {
			continue
		}
		if earliest.IsZero() || since.Before(earliest) {
			earliest = since
		}
	}
	return earliest
}

// GetQueueNames returns configured queues plus every queue the store knows
func (m *Manager) GetQueueNames(ctx context.Context) ([]string, error) {
	stored, err := m.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	seen := make(map[string]bool, len(stored)+len(m.queues))
	names := make([]string, 0, len(stored)+len(m.queues))
	for name := range m.queues {
		seen[name] = true
		names = append(names, name)
	}
	for _, name := range stored {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
