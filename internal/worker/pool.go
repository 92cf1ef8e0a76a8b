package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relayq/relayq/internal/backoff"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/store"
)

// errAborted marks a handler invocation cut short by a forced stop. The job
// stays ACTIVE for stale-job recovery.
var errAborted = errors.New("worker stopped")

// Source is the queue side of a pool: claim a job, report its outcome
// against the claim
type Source interface {
	DequeueNext(ctx context.Context, queue string) (*job.Job, error)
	CompleteClaim(ctx context.Context, c job.Claim, result json.RawMessage) (*job.Job, error)
	FailClaim(ctx context.Context, c job.Claim, cause error) (*job.Job, error)
}

// Config for a pool
type Config struct {
	Queue       string
	Concurrency int
	// PollInterval bounds how long an idle pool sleeps without a wake
	// signal, so delayed jobs are picked up once due.
	PollInterval time.Duration
	// JobTimeout is the watchdog applied when a job carries no timeout.
	JobTimeout time.Duration
	// StoreRetry paces retries of store calls that fail as unavailable.
	StoreRetry backoff.Policy
}

// Pool runs up to Concurrency jobs of one queue at a time
type Pool struct {
	cfg      Config
	source   Source
	registry *Registry
	slots    *semaphore.Weighted
	wake     chan struct{}
	group    errgroup.Group

	mu           sync.Mutex
	inflight     map[string]time.Time
	failingSince time.Time

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	runCtx     context.Context
	cancelRun  context.CancelFunc
}

// NewPool creates a pool; call Start to begin processing
func NewPool(cfg Config, source Source, registry *Registry) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StoreRetry.BaseDelay <= 0 {
		cfg.StoreRetry = backoff.StoreRetryPolicy()
	}

	return &Pool{
		cfg:      cfg,
		source:   source,
		registry: registry,
		slots:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]time.Time),
		loopDone: make(chan struct{}),
	}
}

// Start launches the dequeue loop. Cancelling ctx stops dequeuing but lets
// in-flight handlers run until Stop.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancelLoop := context.WithCancel(ctx)
	p.cancelLoop = cancelLoop
	p.runCtx, p.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	log.Info().Str("queue", p.cfg.Queue).Int("concurrency", p.cfg.Concurrency).Msg("worker pool started")

	go func() {
		defer close(p.loopDone)
		p.loop(loopCtx)
	}()
}

// Wake signals that a job may be available. Never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop stops dequeuing and waits up to grace for in-flight jobs. Jobs still
// running afterwards have their context cancelled and are left ACTIVE.
func (p *Pool) Stop(grace time.Duration) {
	if p.cancelLoop == nil {
		return
	}
	p.cancelLoop()
	<-p.loopDone

	drained := make(chan struct{})
	go func() {
		p.group.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		log.Warn().Str("queue", p.cfg.Queue).Int("in_flight", p.InFlight()).
			Msg("shutdown grace expired, abandoning in-flight jobs")
		p.cancelRun()
		<-drained
	}
	p.cancelRun()

	log.Info().Str("queue", p.cfg.Queue).Msg("worker pool stopped")
}

// Holds reports whether a job is currently executing in this pool
func (p *Pool) Holds(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

// InFlight returns the number of executing jobs
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// FailingSince returns when store calls started failing, or the zero time
// when the last call succeeded
func (p *Pool) FailingSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failingSince
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return
		}

		j, err := p.claim(ctx)
		if err != nil {
			p.slots.Release(1)
			return
		}

		if j == nil {
			p.slots.Release(1)
			if !p.idle(ctx) {
				return
			}
			continue
		}

		p.track(j.ID)
		p.group.Go(func() error {
			defer p.slots.Release(1)
			defer p.untrack(j.ID)
			p.process(j)
			return nil
		})
	}
}

// idle waits for a wake signal or the poll tick
func (p *Pool) idle(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	}
}

// claim dequeues one job, retrying while the store is unreachable. It only
// returns an error once ctx is done.
func (p *Pool) claim(ctx context.Context) (*job.Job, error) {
	for attempt := uint32(0); ; attempt++ {
		j, err := p.source.DequeueNext(ctx, p.cfg.Queue)
		if err == nil {
			p.markHealthy()
			return j, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.markFailing()
		delay := p.cfg.StoreRetry.NextDelay(attempt)
		log.Error().Err(err).Str("queue", p.cfg.Queue).Dur("retry_in", delay).Msg("failed to dequeue job")

		if !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) process(j *job.Job) {
	handler, ok := p.registry.Lookup(j.Type)
	if !ok {
		p.fail(j, job.NewHandlerError(job.KindHandler, fmt.Errorf("no handler registered for job type %q", j.Type)))
		return
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = p.cfg.JobTimeout
	}

	started := time.Now()
	result, err := p.invoke(handler, j, timeout)
	switch {
	case errors.Is(err, errAborted):
		log.Warn().Str("job_id", j.ID).Str("queue", j.Queue).Msg("job abandoned by shutdown, left active")
	case err != nil:
		log.Debug().Err(errors.Wrapf(err, "job %s attempt %d/%d", j.ID, j.AttemptsMade+1, j.MaxAttempts)).
			Str("queue", j.Queue).Str("type", j.Type).Dur("elapsed", time.Since(started)).Msg("handler failed")
		p.fail(j, err)
	default:
		p.complete(j, result)
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// invoke runs the handler under the watchdog. A handler that outlives its
// timeout keeps running in the background but its outcome is discarded.
func (p *Pool) invoke(h Handler, j *job.Job, timeout time.Duration) (json.RawMessage, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(p.runCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(p.runCtx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: job.PanicError(r)}
			}
		}()
		result, err := h.Handle(ctx, j.Clone())
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}

	if out.err == nil {
		return out.result, nil
	}
	if p.runCtx.Err() != nil {
		return nil, errAborted
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.JobsTimedOutTotal.WithLabelValues(j.Queue).Inc()
		return nil, job.NewHandlerError(job.KindTimeout, fmt.Errorf("%w after %s", job.ErrHandlerTimeout, timeout))
	}

	var herr *job.HandlerError
	if errors.As(out.err, &herr) {
		return nil, herr
	}
	return nil, job.NewHandlerError(job.KindHandler, out.err)
}

func (p *Pool) complete(j *job.Job, result json.RawMessage) {
	p.report(j, "complete", func(ctx context.Context) error {
		_, err := p.source.CompleteClaim(ctx, j.CurrentClaim(), result)
		return err
	})
}

func (p *Pool) fail(j *job.Job, cause error) {
	p.report(j, "fail", func(ctx context.Context) error {
		_, err := p.source.FailClaim(ctx, j.CurrentClaim(), cause)
		return err
	})
}

// report retries an outcome while the store is unavailable. Any other error
// means the job moved on without us (for example the sweeper recovered it).
func (p *Pool) report(j *job.Job, op string, call func(ctx context.Context) error) {
	for attempt := uint32(0); ; attempt++ {
		err := call(p.runCtx)
		if err == nil {
			p.markHealthy()
			return
		}
		if !errors.Is(err, store.ErrUnavailable) {
			log.Warn().Err(err).Str("job_id", j.ID).Str("queue", j.Queue).Str("op", op).Msg("failed to report job outcome")
			return
		}

		p.markFailing()
		delay := p.cfg.StoreRetry.NextDelay(attempt)
		log.Error().Err(err).Str("job_id", j.ID).Str("op", op).Dur("retry_in", delay).Msg("store unavailable, retrying")
		if !sleep(p.runCtx, delay) {
			log.Warn().Str("job_id", j.ID).Str("op", op).Msg("gave up reporting outcome, job left active")
			return
		}
	}
}

func (p *Pool) track(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight[id] = time.Now()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *Pool) markFailing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failingSince.IsZero() {
		p.failingSince = time.Now()
	}
}

func (p *Pool) markHealthy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failingSince = time.Time{}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
