package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/store"
)

// QueueStats is a point-in-time snapshot of one queue
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	// Throughput is completions per second over Window
	Throughput        float64       `json:"throughput"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	// ErrorRate is failed / (completed + failed) over Window
	ErrorRate        float64       `json:"errorRate"`
	OldestWaitingAge time.Duration `json:"oldestWaitingAge"`
	// LastCompletedAt is the most recent completion in the queue
	LastCompletedAt *time.Time    `json:"lastCompletedAt,omitempty"`
	Window          time.Duration `json:"window"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Source is the read side of the queue store; store.Store satisfies it
type Source interface {
	Counts(ctx context.Context, queue string) (store.Counts, error)
	Activity(ctx context.Context, queue string, since time.Time) (store.Activity, error)
}

// Options for an Aggregator
type Options struct {
	// Window is the sliding window for throughput, error rate and
	// processing time. Defaults to one minute and is capped at
	// store.ActivityRetention.
	Window time.Duration
	Now    func() time.Time
}

// Aggregator derives queue statistics from store state, so every process
// sharing a store reports the same numbers
type Aggregator struct {
	source Source
	window time.Duration
	now    func() time.Time
}

// New creates an Aggregator
func New(source Source, opts Options) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Window > store.ActivityRetention {
		opts.Window = store.ActivityRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Aggregator{
		source: source,
		window: opts.Window,
		now:    opts.Now,
	}
}

// Window returns the effective sliding window
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Stats builds the snapshot for queue
func (a *Aggregator) Stats(ctx context.Context, queue string) (QueueStats, error) {
	counts, err := a.source.Counts(ctx, queue)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	now := a.now()
	activity, err := a.source.Activity(ctx, queue, now.Add(-a.window))
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to read activity: %w", err)
	}

	qs := QueueStats{
		Queue:     queue,
		Waiting:   counts.Waiting,
		Active:    counts.Active,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Window:    a.Window(),
		Timestamp: now,
	}
	if counts.OldestWaiting != nil && now.After(*counts.OldestWaiting) {
		qs.OldestWaitingAge = now.Sub(*counts.OldestWaiting)
	}

	qs.LastCompletedAt = activity.LastCompleted
	qs.Throughput = float64(activity.Completed) / qs.Window.Seconds()
	if finished := activity.Completed + activity.Failed; finished > 0 {
		qs.ErrorRate = float64(activity.Failed) / float64(finished)
	}
	if activity.Timed > 0 {
		qs.AvgProcessingTime = activity.Processing / time.Duration(activity.Timed)
	}

	metrics.Jobs.WithLabelValues(queue, string(job.StatusWaiting)).Set(float64(counts.Waiting))
	metrics.Jobs.WithLabelValues(queue, string(job.StatusActive)).Set(float64(counts.Active))
	metrics.Jobs.WithLabelValues(queue, string(job.StatusCompleted)).Set(float64(counts.Completed))
	metrics.Jobs.WithLabelValues(queue, string(job.StatusFailed)).Set(float64(counts.Failed))

	return qs, nil
}
