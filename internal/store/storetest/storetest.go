// Package storetest holds behavioural tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/backoff"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/store"
)

// Factory returns an empty store. Implementations register cleanup on t.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a WAITING job for tests.
func NewJob(id, queue string, priority job.Priority, maxAttempts uint32) *job.Job {
	return job.New(id, queue, "test", json.RawMessage(`{"n":1}`),
		job.Options{Priority: priority, MaxAttempts: maxAttempts}, base)
}

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AddAndGet", testAddAndGet},
		{"PriorityOrdering", testPriorityOrdering},
		{"FIFOTieBreak", testFIFOTieBreak},
		{"DelayedJobs", testDelayedJobs},
		{"ConcurrentClaim", testConcurrentClaim},
		{"CompleteTwice", testCompleteTwice},
		{"CompleteRacesFail", testCompleteRacesFail},
		{"RetryThenFail", testRetryThenFail},
		{"Clear", testClear},
		{"Trim", testTrim},
		{"CountsAndList", testCountsAndList},
		{"StaleClaimRejected", testStaleClaimRejected},
		{"Activity", testActivity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func add(t *testing.T, s store.Store, j *job.Job) *job.Job {
	t.Helper()
	stored, err := s.Add(context.Background(), j)
	require.NoError(t, err)
	return stored
}

func claim(t *testing.T, s store.Store, queue string, now time.Time) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), queue, now)
	require.NoError(t, err)
	return j
}

func complete(s store.Store, id string, now time.Time) error {
	_, err := s.Update(context.Background(), id, func(j *job.Job) error {
		return j.Complete(json.RawMessage(`"ok"`), now)
	})
	return err
}

func fail(s store.Store, id string, now time.Time) error {
	_, err := s.Update(context.Background(), id, func(j *job.Job) error {
		_, err := j.Fail(errors.New("boom"), backoff.DefaultPolicy(), now)
		return err
	})
	return err
}

func testAddAndGet(t *testing.T, s store.Store) {
	first := add(t, s, NewJob("a", "emails", job.PriorityNormal, 3))
	second := add(t, s, NewJob("b", "emails", job.PriorityNormal, 3))
	assert.Greater(t, second.Seq, first.Seq)

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Len(t, got.History, 1)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)

	queues, err := s.Queues(context.Background())
	require.NoError(t, err)
	assert.Contains(t, queues, "emails")
}

func testPriorityOrdering(t *testing.T, s store.Store) {
	add(t, s, NewJob("low", "q", job.PriorityLow, 1))
	add(t, s, NewJob("high", "q", job.PriorityHigh, 1))
	add(t, s, NewJob("critical", "q", job.PriorityCritical, 1))

	assert.Equal(t, "critical", claim(t, s, "q", base).ID)
	assert.Equal(t, "high", claim(t, s, "q", base).ID)
	assert.Equal(t, "low", claim(t, s, "q", base).ID)
	assert.Nil(t, claim(t, s, "q", base))
}

func testFIFOTieBreak(t *testing.T, s store.Store) {
	add(t, s, NewJob("c", "q", job.PriorityNormal, 1))
	add(t, s, NewJob("d", "q", job.PriorityNormal, 1))

	first := claim(t, s, "q", base)
	require.NotNil(t, first)
	assert.Equal(t, "c", first.ID)
	assert.Equal(t, job.StatusActive, first.Status)
	require.NotNil(t, first.ProcessedAt)
	assert.Equal(t, uint32(0), first.AttemptsMade)

	assert.Equal(t, "d", claim(t, s, "q", base).ID)
}

func testDelayedJobs(t *testing.T, s store.Store) {
	delayed := job.New("later", "q", "test", nil,
		job.Options{Priority: job.PriorityCritical, Delay: time.Minute}, base)
	add(t, s, delayed)
	add(t, s, NewJob("now", "q", job.PriorityLow, 1))

	// The delayed critical job must not hold back the eligible low one
	assert.Equal(t, "now", claim(t, s, "q", base).ID)
	assert.Nil(t, claim(t, s, "q", base.Add(30*time.Second)))

	got := claim(t, s, "q", base.Add(time.Minute))
	require.NotNil(t, got)
	assert.Equal(t, "later", got.ID)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	const jobs, workers = 10, 25
	for i := 0; i < jobs; i++ {
		add(t, s, NewJob(fmt.Sprintf("job-%d", i), "q", job.PriorityNormal, 1))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimNext(context.Background(), "q", base)
			assert.NoError(t, err)
			if j == nil {
				return
			}
			mu.Lock()
			claimed[j.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testCompleteTwice(t *testing.T, s store.Store) {
	add(t, s, NewJob("a", "q", job.PriorityNormal, 1))
	claim(t, s, "q", base)

	done := base.Add(time.Second)
	require.NoError(t, complete(s, "a", done))
	assert.ErrorIs(t, complete(s, "a", done.Add(time.Minute)), job.ErrInvalidTransition)

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.True(t, got.CompletedAt.Equal(done))
}

func testCompleteRacesFail(t *testing.T, s store.Store) {
	add(t, s, NewJob("a", "q", job.PriorityNormal, 1))
	claim(t, s, "q", base)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = complete(s, "a", base)
	}()
	go func() {
		defer wg.Done()
		errs[1] = fail(s, "a", base)
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, job.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.False(t, got.CompletedAt != nil && got.FailedAt != nil)
}

func testRetryThenFail(t *testing.T, s store.Store) {
	add(t, s, NewJob("a", "q", job.PriorityNormal, 2))
	now := base

	require.NotNil(t, claim(t, s, "q", now))
	require.NoError(t, fail(s, "a", now))

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, got.Status)
	require.NotNil(t, got.DelayUntil)
	assert.Nil(t, claim(t, s, "q", now), "retry must wait for its backoff")

	now = *got.DelayUntil
	require.NotNil(t, claim(t, s, "q", now))
	require.NoError(t, fail(s, "a", now))

	got, err = s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, uint32(2), got.AttemptsMade)
	assert.Equal(t, "boom", got.LastError)
}

func testClear(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, add(t, s, NewJob(fmt.Sprintf("e-%d", i), "emails", job.PriorityNormal, 1)).ID)
	}
	add(t, s, NewJob("other", "other", job.PriorityNormal, 1))
	claim(t, s, "emails", base)

	removed, err := s.Clear(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	counts, err := s.Counts(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{}, counts)
	for _, id := range ids {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, job.ErrNotFound)
	}

	_, err = s.Get(ctx, "other")
	assert.NoError(t, err)
}

func testTrim(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("t-%d", i)
		add(t, s, NewJob(id, "q", job.PriorityNormal, 1))
		claim(t, s, "q", base)
		require.NoError(t, complete(s, id, base.Add(time.Duration(i)*time.Second)))
	}

	removed, err := s.Trim(ctx, "q", job.StatusCompleted, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Get(ctx, "t-0")
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = s.Get(ctx, "t-3")
	assert.NoError(t, err)

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)

	removed, err = s.Trim(ctx, "q", job.StatusCompleted, -1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testCountsAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewJob("w-1", "q", job.PriorityNormal, 1)
	add(t, s, first)
	second := NewJob("w-2", "q", job.PriorityNormal, 1)
	second.CreatedAt = base.Add(time.Second)
	add(t, s, second)
	add(t, s, NewJob("w-3", "q", job.PriorityNormal, 1))
	claim(t, s, "q", base)

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)
	require.NotNil(t, counts.OldestWaiting)
	assert.True(t, counts.OldestWaiting.Equal(base))

	active, err := s.List(ctx, "q", job.StatusActive, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w-1", active[0].ID)
	require.NotNil(t, active[0].StartedAt)

	waiting, err := s.List(ctx, "q", job.StatusWaiting, 1)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "w-2", waiting[0].ID)

	empty, err := s.Counts(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Total())
}

func reportClaim(s store.Store, c job.Claim, now time.Time) error {
	_, err := s.Update(context.Background(), c.JobID, func(j *job.Job) error {
		if err := j.CheckClaim(c); err != nil {
			return err
		}
		return j.Complete(json.RawMessage(`"ok"`), now)
	})
	return err
}

// A worker whose job was recovered and claimed by someone else must not
// complete the new episode.
func testStaleClaimRejected(t *testing.T, s store.Store) {
	add(t, s, NewJob("a", "q", job.PriorityNormal, 3))

	first := claim(t, s, "q", base)
	require.NotNil(t, first)
	stale := first.CurrentClaim()

	// recovered as stalled, then claimed again once due
	_, err := s.Update(context.Background(), "a", func(j *job.Job) error {
		if err := j.CheckClaim(stale); err != nil {
			return err
		}
		_, err := j.Fail(job.NewHandlerError(job.KindStalled, job.ErrStalled), backoff.Policy{}, base.Add(time.Minute))
		return err
	})
	require.NoError(t, err)
	second := claim(t, s, "q", base.Add(2*time.Minute))
	require.NotNil(t, second)

	err = reportClaim(s, stale, base.Add(3*time.Minute))
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, got.Status)

	require.NoError(t, reportClaim(s, second.CurrentClaim(), base.Add(3*time.Minute)))
}

func testActivity(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		add(t, s, NewJob(fmt.Sprintf("job-%d", i), "q", job.PriorityNormal, 1))
	}

	a, err := s.Activity(ctx, "q", base)
	require.NoError(t, err)
	assert.Zero(t, a.Completed)
	assert.Nil(t, a.LastCompleted)

	for i := 0; i < 3; i++ {
		j := claim(t, s, "q", base)
		require.NotNil(t, j)
		require.NoError(t, complete(s, j.ID, base.Add(time.Duration(i+1)*time.Second)))
	}
	j := claim(t, s, "q", base)
	require.NotNil(t, j)
	require.NoError(t, fail(s, j.ID, base.Add(4*time.Second)))

	a, err = s.Activity(ctx, "q", base)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Completed)
	assert.Equal(t, int64(1), a.Failed)
	assert.Equal(t, int64(3), a.Timed)
	assert.Equal(t, 6*time.Second, a.Processing)
	require.NotNil(t, a.LastCompleted)
	assert.True(t, a.LastCompleted.Equal(base.Add(3*time.Second)))

	// finish records survive trimming the jobs themselves
	_, err = s.Trim(ctx, "q", job.StatusCompleted, 0)
	require.NoError(t, err)
	a, err = s.Activity(ctx, "q", base.Add(2500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Completed)
	assert.Equal(t, int64(1), a.Failed)
	assert.Equal(t, 3*time.Second, a.Processing)
}
