package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/alert"
	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/kv"
	"github.com/relayq/relayq/internal/store"
	"github.com/relayq/relayq/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *store.Memory {
	st, err := store.NewMemory(store.MemoryOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, st store.Store, opts Options) *Manager {
	m := NewManager(st, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func status(m *Manager, id string) job.Status {
	j, err := m.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return j.Status
}

func TestAddDequeueComplete(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{})
	ctx := context.Background()

	id, err := m.AddJob(ctx, "emails", "send", map[string]string{"to": "a@b.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	qs, err := m.GetQueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(1), qs.Waiting)
	assert.Equal(t, int64(0), qs.Active)

	j, err := m.DequeueNext(ctx, "emails")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(j.Payload))
	assert.NotNil(t, j.ProcessedAt)

	done, err := m.Complete(ctx, id, json.RawMessage(`"ok"`))
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	qs, err = m.GetQueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(0), qs.Waiting)
	assert.Equal(t, int64(1), qs.Completed)

	_, err = m.Complete(ctx, id, nil)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestDequeueEmptyQueue(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{})

	j, err := m.DequeueNext(context.Background(), "empty")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestPriorityAndFIFO(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{})
	ctx := context.Background()

	a, err := m.AddJob(ctx, "q", "t", nil, WithPriority(job.PriorityLow))
	require.NoError(t, err)
	b, err := m.AddJob(ctx, "q", "t", nil, WithPriority(job.PriorityHigh))
	require.NoError(t, err)
	c, err := m.AddJob(ctx, "q", "t", nil)
	require.NoError(t, err)
	d, err := m.AddJob(ctx, "q", "t", nil)
	require.NoError(t, err)

	for _, want := range []string{b, c, d, a} {
		j, err := m.DequeueNext(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, want, j.ID)
	}
}

func TestRetryLawWithBackoff(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, newTestStore(t), Options{
		Now:    clock.Now,
		Queues: map[string]QueueOverride{"q": {RetryDelay: Set(100 * time.Millisecond)}},
	})
	ctx := context.Background()

	id, err := m.AddJob(ctx, "q", "t", nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := m.DequeueNext(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)

		failed, err := m.Fail(ctx, id, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, uint32(attempt), failed.AttemptsMade)

		if attempt < 3 {
			assert.Equal(t, job.StatusWaiting, failed.Status)
			require.NotNil(t, failed.DelayUntil)
			want := 100 * time.Millisecond << attempt
			assert.Equal(t, clock.Now().Add(want), *failed.DelayUntil)

			j, err = m.DequeueNext(ctx, "q")
			require.NoError(t, err)
			assert.Nil(t, j, "job must wait out its backoff")
			clock.Advance(time.Minute)
		} else {
			assert.Equal(t, job.StatusFailed, failed.Status)
			assert.NotNil(t, failed.FailedAt)
		}
	}

	j, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	episodes := 0
	for _, h := range j.History {
		if h.Status == job.StatusActive {
			episodes++
		}
	}
	assert.Equal(t, 3, episodes)
	assert.Equal(t, "boom", j.LastError)
}

func TestClearQueue(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{})
	ctx := context.Background()
	sub := m.Subscribe(8, events.QueueCleared)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.AddJob(ctx, "emails", "send", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := m.ClearQueue(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	qs, err := m.GetQueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(0), qs.Waiting+qs.Active+qs.Completed+qs.Failed)

	for _, id := range ids {
		_, err := m.GetJob(ctx, id)
		assert.ErrorIs(t, err, job.ErrNotFound)
	}

	select {
	case ev := <-sub.C():
		assert.Equal(t, "emails", ev.Queue)
		assert.Equal(t, 5, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no queueCleared event")
	}
}

func TestRetention(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		Queues: map[string]QueueOverride{"q": {RemoveOnComplete: Set(2)}},
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.AddJob(ctx, "q", "t", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for range ids {
		j, err := m.DequeueNext(ctx, "q")
		require.NoError(t, err)
		_, err = m.Complete(ctx, j.ID, nil)
		require.NoError(t, err)
	}

	qs, err := m.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), qs.Completed)

	_, err = m.GetJob(ctx, ids[0])
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.Equal(t, job.StatusCompleted, status(m, ids[3]))
}

func TestAddJobValidation(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		StrictQueues: true,
		Queues:       map[string]QueueOverride{"known": {}},
	})
	ctx := context.Background()

	_, err := m.AddJob(ctx, "other", "t", nil)
	assert.ErrorIs(t, err, ErrUnknownQueue)

	_, err = m.AddJob(ctx, "known", "", nil)
	assert.Error(t, err)

	_, err = m.AddJob(ctx, "known", "t", json.RawMessage(`{bad`))
	assert.Error(t, err)

	_, err = m.AddJob(ctx, "known", "t", nil, WithPriority(job.Priority(9)))
	assert.Error(t, err)

	_, err = m.AddJob(ctx, "known", "t", nil, WithIdempotencyKey("k"))
	assert.Error(t, err, "idempotency keys need a deduper")

	id, err := m.AddJob(ctx, "known", "t", json.RawMessage(`{"ok":true}`), WithMaxAttempts(7))
	require.NoError(t, err)
	j, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), j.MaxAttempts)
}

func TestRateLimit(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		Queues: map[string]QueueOverride{"q": {RateLimit: &RateLimitConfig{Capacity: 2, RefillRate: 0.001}}},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.AddJob(ctx, "q", "t", nil)
		require.NoError(t, err)
	}
	_, err := m.AddJob(ctx, "q", "t", nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	// other queues are unaffected
	_, err = m.AddJob(ctx, "other", "t", nil)
	assert.NoError(t, err)
}

func TestRuntimeRateLimit(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		Queues: map[string]QueueOverride{"q": {RateLimit: &RateLimitConfig{Capacity: 3, RefillRate: 0.001}}},
	})
	ctx := context.Background()

	capacity, refill, tokens, exists := m.RateLimit("q")
	require.True(t, exists)
	assert.Equal(t, float64(3), capacity)
	assert.InDelta(t, 0.001, refill, 1e-9)
	// reading does not consume
	assert.InDelta(t, 3, tokens, 0.01)

	m.SetRateLimit("q", 1, 0.001)
	_, err := m.AddJob(ctx, "q", "t", nil)
	require.NoError(t, err)
	_, err = m.AddJob(ctx, "q", "t", nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	m.SetRateLimit("q", 0, 0)
	_, _, _, exists = m.RateLimit("q")
	assert.False(t, exists)
	_, err = m.AddJob(ctx, "q", "t", nil)
	assert.NoError(t, err)
}

func TestIdempotencyKey(t *testing.T) {
	dedup, err := kv.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dedup.Close() })

	m := newTestManager(t, newTestStore(t), Options{Deduper: dedup})
	ctx := context.Background()

	first, err := m.AddJob(ctx, "q", "t", nil, WithIdempotencyKey("order-1"))
	require.NoError(t, err)
	again, err := m.AddJob(ctx, "q", "t", nil, WithIdempotencyKey("order-1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	qs, err := m.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), qs.Waiting)

	// a cleared job frees its key
	_, err = m.ClearQueue(ctx, "q")
	require.NoError(t, err)
	fresh, err := m.AddJob(ctx, "q", "t", nil, WithIdempotencyKey("order-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}

func TestEventsPublished(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{})
	ctx := context.Background()
	sub := m.Subscribe(16)

	id, err := m.AddJob(ctx, "q", "t", nil, WithMaxAttempts(1))
	require.NoError(t, err)
	_, err = m.DequeueNext(ctx, "q")
	require.NoError(t, err)
	_, err = m.Fail(ctx, id, errors.New("nope"))
	require.NoError(t, err)

	var got []events.Type
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.C():
			assert.Equal(t, id, ev.JobID)
			assert.Equal(t, "q", ev.Queue)
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []events.Type{events.JobAdded, events.JobStarted, events.JobFailed}, got)
}

type email struct {
	To string `json:"to"`
}

func TestWorkersProcessJobs(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	Handle(m, "send", func(ctx context.Context, p email) (string, error) {
		return "sent to " + p.To, nil
	})
	Handle(m, "flaky", func(ctx context.Context, p email) (string, error) {
		return "", errors.New("smtp down")
	})
	require.NoError(t, m.Start(ctx))

	ok, err := Enqueue(ctx, m, "emails", "send", email{To: "a@b.com"})
	require.NoError(t, err)
	bad, err := Enqueue(ctx, m, "emails", "flaky", email{To: "c@d.com"}, WithMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return status(m, ok) == job.StatusCompleted && status(m, bad) == job.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	j, err := m.GetJob(ctx, ok)
	require.NoError(t, err)
	assert.JSONEq(t, `"sent to a@b.com"`, string(j.Result))

	j, err = m.GetJob(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), j.AttemptsMade)
	assert.Contains(t, j.LastError, "smtp down")
}

func TestQueuesRunIndependently(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, Options{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	m.RegisterHandler("block", worker.HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	require.NoError(t, m.Start(ctx))

	_, err := m.AddJob(ctx, "a", "block", nil)
	require.NoError(t, err)
	_, err = m.AddJob(ctx, "b", "block", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ca, errA := st.Counts(ctx, "a")
		cb, errB := st.Counts(ctx, "b")
		return errA == nil && errB == nil && ca.Active == 1 && cb.Active == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGracefulShutdown(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, Options{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	started := make(chan struct{})
	m.RegisterHandler("slow", worker.HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`1`), nil
	}))
	require.NoError(t, m.Start(ctx))
	sub := m.Subscribe(16, events.Shutdown)

	id, err := m.AddJob(ctx, "q", "slow", nil)
	require.NoError(t, err)
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	assert.Equal(t, job.StatusCompleted, status(m, id))

	_, err = m.AddJob(ctx, "q", "slow", nil)
	assert.ErrorIs(t, err, ErrShuttingDown)

	ev, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, events.Shutdown, ev.Type)
	_, ok = <-sub.C()
	assert.False(t, ok, "bus closed after shutdown")
}

func TestRecoverOrphansOnStart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := newTestManager(t, st, Options{})
	id, err := first.AddJob(ctx, "q", "t", nil)
	require.NoError(t, err)
	_, err = first.DequeueNext(ctx, "q")
	require.NoError(t, err)

	second := newTestManager(t, st, Options{RecoverOnStart: true})
	require.NoError(t, second.Start(ctx))

	j, err := second.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, j.Status)
	assert.Equal(t, uint32(1), j.AttemptsMade)
	assert.Equal(t, job.KindStalled, j.LastFailureKind)
}

func TestSweeperRecoversStalledJobs(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, newTestStore(t), Options{
		Now:          clock.Now,
		PollInterval: 10 * time.Millisecond,
		Queues:       map[string]QueueOverride{"q": {StalledInterval: Set(time.Second)}},
	})
	ctx := context.Background()

	// claimed before any local worker runs, so nothing holds it
	id, err := m.AddJob(ctx, "q", "work", nil)
	require.NoError(t, err)
	_, err = m.DequeueNext(ctx, "q")
	require.NoError(t, err)

	m.RegisterHandler("work", worker.HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		return nil, nil
	}))
	require.NoError(t, m.Start(ctx))

	m.sweepOnce(ctx)
	assert.Equal(t, job.StatusActive, status(m, id))

	clock.Advance(2 * time.Second)
	m.sweepOnce(ctx)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return status(m, id) == job.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	j, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), j.AttemptsMade)
	assert.Equal(t, job.KindStalled, j.LastFailureKind)
}

func TestHealthDegradedByQueueSize(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		Queues: map[string]QueueOverride{"q": {Health: &ThresholdsOverride{QueueSizeWarn: Set(int64(5))}}},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.AddJob(ctx, "q", "t", nil)
		require.NoError(t, err)
	}

	results, err := m.Health(ctx)
	require.NoError(t, err)
	r, ok := results["q"]
	require.True(t, ok)
	assert.Equal(t, health.Warn, r.Checks[health.CheckQueueSize].Verdict)
	assert.Equal(t, health.Degraded, r.Status)
}

func TestMonitorRaisesAlerts(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		Alerts: alert.Options{Rules: []alert.Rule{{Type: alert.QueueSize, Threshold: 3, Severity: alert.High}}},
	})
	ctx := context.Background()
	sub := m.Subscribe(16, events.AlertRaised, events.HealthChecked)

	for i := 0; i < 5; i++ {
		_, err := m.AddJob(ctx, "q", "t", nil)
		require.NoError(t, err)
	}
	m.checkOnce(ctx)

	active := m.Alerts()
	require.Len(t, active, 1)
	assert.Equal(t, "q", active[0].Queue)
	assert.Equal(t, alert.QueueSize, active[0].Type)
	assert.Equal(t, alert.High, active[0].Severity)
	assert.Equal(t, float64(5), active[0].CurrentValue)

	seen := map[events.Type]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			seen[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.True(t, seen[events.AlertRaised])
	assert.True(t, seen[events.HealthChecked])
}

func TestQueueConfigMerge(t *testing.T) {
	base := DefaultQueueConfig()
	merged := base.Merge(QueueOverride{Concurrency: Set(4), RetryDelay: Set(5 * time.Second)})

	assert.Equal(t, 4, merged.Concurrency)
	assert.Equal(t, 5*time.Second, merged.RetryDelay)
	assert.Equal(t, base.MaxAttempts, merged.MaxAttempts)
	assert.Equal(t, base.Health, merged.Health)

	policy := merged.Policy()
	assert.Equal(t, 10*time.Second, policy.NextDelay(1))
	assert.Equal(t, 30*time.Second, base.StaleAfter())
}

func TestQueueOverrideExplicitZero(t *testing.T) {
	base := DefaultQueueConfig()
	base.JobTimeout = time.Minute

	merged := base.Merge(QueueOverride{
		RemoveOnComplete: Set(0),
		JobTimeout:       Set(time.Duration(0)),
		Health:           &ThresholdsOverride{QueueSizeWarn: Set(int64(0))},
	})

	assert.Equal(t, 0, merged.RemoveOnComplete)
	assert.Equal(t, base.RemoveOnFail, merged.RemoveOnFail)
	assert.Zero(t, merged.JobTimeout)
	assert.Zero(t, merged.Health.QueueSizeWarn)
	assert.Equal(t, base.Health.ErrorRateWarn, merged.Health.ErrorRateWarn)
}

func TestWatchdogDefaultsToStaleWindow(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Zero(t, cfg.JobTimeout)
	assert.Equal(t, cfg.StaleAfter(), cfg.Watchdog())

	cfg.JobTimeout = time.Second
	assert.Equal(t, time.Second, cfg.Watchdog())

	cfg = QueueConfig{}
	assert.Equal(t, 30*time.Second, cfg.Watchdog())
}

// A producer-only process sees the throughput and completions of a worker
// process sharing its store, and does not report a deadlock.
func TestStatsAcrossManagers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	server := newTestManager(t, st, Options{DeadlockWindow: 200 * time.Millisecond})
	for i := 0; i < 20; i++ {
		_, err := server.AddJob(ctx, "emails", "send", nil)
		require.NoError(t, err)
	}
	// older than the deadlock window before anything completes
	time.Sleep(300 * time.Millisecond)

	w := newTestManager(t, st, Options{PollInterval: 10 * time.Millisecond})
	w.RegisterHandler("send", worker.HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}))
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool {
		results, err := server.Health(ctx)
		if err != nil {
			return false
		}
		r := results["emails"]
		return r.Stats.Completed > 0 && r.Stats.Waiting > 0 &&
			r.Checks[health.CheckDeadlock].Verdict == health.Pass
	}, 2*time.Second, 10*time.Millisecond)

	qs, err := server.GetQueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Greater(t, qs.Throughput, 0.0)
	assert.GreaterOrEqual(t, qs.AvgProcessingTime, 20*time.Millisecond)
	require.NotNil(t, qs.LastCompletedAt)
}

func TestWorkerDiscoversNewQueues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	w := newTestManager(t, st, Options{
		PollInterval:  10 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	w.RegisterHandler("send", worker.HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		return nil, nil
	}))
	require.NoError(t, w.Start(ctx))

	producer := newTestManager(t, st, Options{DisableWorkers: true})
	for i := 0; i < 5; i++ {
		_, err := producer.AddJob(ctx, "reports", "send", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		qs, err := producer.GetQueueStats(ctx, "reports")
		return err == nil && qs.Completed == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClearedQueueAlertsResolve(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		Alerts: alert.Options{
			Rules:        []alert.Rule{{Type: alert.QueueSize, Threshold: 2, Severity: alert.Medium}},
			ResolveAfter: 1,
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.AddJob(ctx, "emails", "t", nil)
		require.NoError(t, err)
	}
	m.checkOnce(ctx)
	require.Len(t, m.Alerts(), 1)

	_, err := m.ClearQueue(ctx, "emails")
	require.NoError(t, err)
	m.checkOnce(ctx)

	assert.Empty(t, m.Alerts())
	require.Len(t, m.AlertHistory(), 1)
	assert.Equal(t, "emails", m.AlertHistory()[0].Queue)
}

func TestHungHandlerTimesOutByDefault(t *testing.T) {
	m := newTestManager(t, newTestStore(t), Options{
		PollInterval: 10 * time.Millisecond,
		Queues:       map[string]QueueOverride{"q": {StalledInterval: Set(100 * time.Millisecond)}},
	})
	ctx := context.Background()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	m.RegisterHandler("hang", worker.HandlerFunc(func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, m.Start(ctx))
	assert.Zero(t, m.Config("q").JobTimeout)

	id, err := m.AddJob(ctx, "q", "hang", nil, WithMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return status(m, id) == job.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	j, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.KindTimeout, j.LastFailureKind)
}

func TestStaleClaimRejected(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, newTestStore(t), Options{Now: clock.Now})
	ctx := context.Background()

	id, err := m.AddJob(ctx, "q", "t", nil)
	require.NoError(t, err)
	first, err := m.DequeueNext(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, first)

	// another process recovers the job and claims it again
	clock.Advance(time.Second)
	require.True(t, m.failStalled(ctx, first))
	clock.Advance(time.Minute)
	second, err := m.DequeueNext(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, second)

	_, err = m.CompleteClaim(ctx, first.CurrentClaim(), nil)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	_, err = m.FailClaim(ctx, first.CurrentClaim(), errors.New("late"))
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.False(t, m.failStalled(ctx, first), "a stale snapshot does not fail the new episode")
	assert.Equal(t, job.StatusActive, status(m, id))

	done, err := m.CompleteClaim(ctx, second.CurrentClaim(), nil)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Equal(t, uint32(1), done.AttemptsMade)
}
