package stats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/store"
)

func newJob(i int, now time.Time) *job.Job {
	return job.New(fmt.Sprintf("job-%d", i), "q", "test", nil, job.Options{}, now)
}

type fakeSource struct {
	counts   store.Counts
	activity store.Activity
	err      error
	since    *time.Time
}

func (f *fakeSource) Counts(ctx context.Context, queue string) (store.Counts, error) {
	return f.counts, f.err
}

func (f *fakeSource) Activity(ctx context.Context, queue string, since time.Time) (store.Activity, error) {
	f.since = &since
	return f.activity, nil
}

func TestStatsWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := now.Add(-30 * time.Second)
	last := now.Add(-time.Second)
	src := &fakeSource{
		counts: store.Counts{Waiting: 2, Active: 1, Completed: 3, Failed: 1, OldestWaiting: &oldest},
		activity: store.Activity{
			Completed:     3,
			Failed:        1,
			Processing:    600 * time.Millisecond,
			Timed:         3,
			LastCompleted: &last,
		},
	}
	agg := New(src, Options{Window: 10 * time.Second, Now: func() time.Time { return now }})

	qs, err := agg.Stats(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), qs.Waiting)
	assert.Equal(t, int64(1), qs.Active)
	assert.InDelta(t, 0.3, qs.Throughput, 1e-9)
	assert.InDelta(t, 0.25, qs.ErrorRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, qs.AvgProcessingTime)
	assert.Equal(t, 30*time.Second, qs.OldestWaitingAge)
	assert.Equal(t, 10*time.Second, qs.Window)
	require.NotNil(t, qs.LastCompletedAt)
	assert.Equal(t, last, *qs.LastCompletedAt)

	require.NotNil(t, src.since)
	assert.Equal(t, now.Add(-10*time.Second), *src.since)
}

func TestStatsErrorRateWithoutTraffic(t *testing.T) {
	agg := New(&fakeSource{}, Options{})

	qs, err := agg.Stats(context.Background(), "idle")
	require.NoError(t, err)
	assert.Zero(t, qs.ErrorRate)
	assert.Zero(t, qs.Throughput)
	assert.Nil(t, qs.LastCompletedAt)
	assert.Equal(t, time.Minute, qs.Window)
}

func TestStatsWindowCapped(t *testing.T) {
	agg := New(&fakeSource{}, Options{Window: 24 * time.Hour})
	assert.Equal(t, store.ActivityRetention, agg.Window())
}

func TestStatsCounterError(t *testing.T) {
	agg := New(&fakeSource{err: errors.New("down")}, Options{})
	_, err := agg.Stats(context.Background(), "q")
	assert.Error(t, err)
}

// Two aggregators over one store agree even though only one of them saw the
// jobs finish.
func TestStatsSharedStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewMemory(store.MemoryOptions{})
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	for i := 0; i < 4; i++ {
		_, err := st.Add(ctx, newJob(i, now))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		claimed, err := st.ClaimNext(ctx, "q", now)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		_, err = st.Update(ctx, claimed.ID, func(j *job.Job) error {
			return j.Complete(nil, now.Add(100*time.Millisecond))
		})
		require.NoError(t, err)
	}

	clock := func() time.Time { return now.Add(time.Second) }
	a := New(st, Options{Window: 10 * time.Second, Now: clock})
	b := New(st, Options{Window: 10 * time.Second, Now: clock})

	qa, err := a.Stats(ctx, "q")
	require.NoError(t, err)
	qb, err := b.Stats(ctx, "q")
	require.NoError(t, err)

	assert.Equal(t, int64(1), qa.Waiting)
	assert.Equal(t, int64(3), qa.Completed)
	assert.InDelta(t, 0.3, qa.Throughput, 1e-9)
	assert.Equal(t, 100*time.Millisecond, qa.AvgProcessingTime)
	assert.Equal(t, qa.Throughput, qb.Throughput)
	assert.Equal(t, qa.AvgProcessingTime, qb.AvgProcessingTime)
	require.NotNil(t, qb.LastCompletedAt)
}
