package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/wal"
)

// queueState holds the per-status indexes of one queue
type queueState struct {
	ready     *priorityQueue
	delayed   *priorityQueue
	active    map[string]struct{}
	completed []string // finish order
	failed    []string // finish order

	finishes      []finishRecord // finish order, pruned to ActivityRetention
	lastCompleted *time.Time
}

type finishRecord struct {
	at         time.Time
	failed     bool
	processing time.Duration
}

// recordFinish notes a job that just reached a terminal status
func (q *queueState) recordFinish(j *job.Job) {
	at := finishedAt(j)
	q.finishes = append(q.finishes, finishRecord{
		at:         at,
		failed:     j.Status == job.StatusFailed,
		processing: j.ProcessingTime(),
	})
	if j.Status == job.StatusCompleted && (q.lastCompleted == nil || at.After(*q.lastCompleted)) {
		q.lastCompleted = &at
	}

	cutoff := at.Add(-ActivityRetention)
	drop := 0
	for drop < len(q.finishes) && q.finishes[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		q.finishes = append(q.finishes[:0], q.finishes[drop:]...)
	}
}

func newQueueState() *queueState {
	return &queueState{
		ready:   newPriorityQueue(readyOrder),
		delayed: newPriorityQueue(delayedOrder),
		active:  make(map[string]struct{}),
	}
}

// MemoryOptions configures a Memory store
type MemoryOptions struct {
	// WAL journals every change when set; state is rebuilt from it on open
	// and the store owns it from then on.
	WAL *wal.WAL
	// CompactSegments compacts the journal once it holds more segments.
	// Zero disables compaction.
	CompactSegments int
}

// Memory is an in-process Store. A single mutex serializes every operation,
// which makes ClaimNext and Update trivially atomic.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	queues map[string]*queueState
	seq    uint64
	closed bool

	wal             *wal.WAL
	compactSegments int
}

// NewMemory creates a Memory store, replaying the journal if one is given.
func NewMemory(opts MemoryOptions) (*Memory, error) {
	m := &Memory{
		jobs:            make(map[string]*job.Job),
		queues:          make(map[string]*queueState),
		wal:             opts.WAL,
		compactSegments: opts.CompactSegments,
	}

	if m.wal != nil {
		if err := m.replay(); err != nil {
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		m.observeWAL()
	}

	return m, nil
}

// replay rebuilds state; the last record for a job wins
func (m *Memory) replay() error {
	log.Info().Msg("replaying WAL")

	latest := make(map[string]*job.Job)
	err := m.wal.Replay(func(e wal.Entry) error {
		switch e.Op {
		case wal.OpPut:
			j, err := job.Decode(e.Data)
			if err != nil {
				return err
			}
			latest[j.ID] = j
		case wal.OpDelete:
			delete(latest, e.JobID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	restored := make([]*job.Job, 0, len(latest))
	for _, j := range latest {
		restored = append(restored, j)
	}
	// Terminal indexes are kept in finish order
	sortByFinish(restored)

	for _, j := range restored {
		m.jobs[j.ID] = j
		m.index(j)
		if j.Status.IsTerminal() {
			m.queues[j.Queue].recordFinish(j)
		}
		if j.Seq > m.seq {
			m.seq = j.Seq
		}
	}

	log.Info().Int("jobs", len(restored)).Msg("WAL replay completed")
	return nil
}

func sortByFinish(jobs []*job.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		fa, fb := finishedAt(jobs[a]), finishedAt(jobs[b])
		if !fa.Equal(fb) {
			return fa.Before(fb)
		}
		return jobs[a].Seq < jobs[b].Seq
	})
}

func finishedAt(j *job.Job) time.Time {
	switch {
	case j.CompletedAt != nil:
		return *j.CompletedAt
	case j.FailedAt != nil:
		return *j.FailedAt
	}
	return time.Time{}
}

// Add persists a new WAITING job
func (m *Memory) Add(ctx context.Context, j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.maybeCompact()

	if m.closed {
		return nil, ErrUnavailable
	}
	if _, exists := m.jobs[j.ID]; exists {
		return nil, fmt.Errorf("job %s already exists", j.ID)
	}

	stored := j.Clone()
	stored.Seq = m.seq + 1
	if err := m.journalPut(stored); err != nil {
		return nil, err
	}

	m.seq = stored.Seq
	m.jobs[stored.ID] = stored
	m.index(stored)

	return stored.Clone(), nil
}

// ClaimNext activates the next eligible job of queue
func (m *Memory) ClaimNext(ctx context.Context, queue string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.maybeCompact()

	if m.closed {
		return nil, ErrUnavailable
	}

	q, exists := m.queues[queue]
	if !exists {
		return nil, nil
	}

	for due := q.delayed.PopDue(now); due != nil; due = q.delayed.PopDue(now) {
		q.ready.Push(due)
	}

	current := q.ready.Peek()
	if current == nil {
		return nil, nil
	}

	claimed := current.Clone()
	if err := claimed.Activate(now); err != nil {
		return nil, err
	}
	if err := m.journalPut(claimed); err != nil {
		return nil, err
	}
	m.replace(current, claimed)

	return claimed.Clone(), nil
}

// Update applies fn to a copy of the job and stores the result
func (m *Memory) Update(ctx context.Context, id string, fn UpdateFunc) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.maybeCompact()

	if m.closed {
		return nil, ErrUnavailable
	}

	current, exists := m.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != current.ID || next.Queue != current.Queue {
		return nil, fmt.Errorf("job %s: id and queue are immutable", id)
	}
	if err := m.journalPut(next); err != nil {
		return nil, err
	}
	m.replace(current, next)
	if next.Status.IsTerminal() && !current.Status.IsTerminal() {
		m.queues[next.Queue].recordFinish(next)
	}

	return next.Clone(), nil
}

// Get returns a copy of the job
func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, exists := m.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j.Clone(), nil
}

// List returns jobs of queue in status. Waiting and active jobs come in
// sequence order, finished jobs newest first.
func (m *Memory) List(ctx context.Context, queue string, status job.Status, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, exists := m.queues[queue]
	if !exists {
		return nil, nil
	}

	var out []*job.Job
	switch status {
	case job.StatusWaiting:
		collect := func(j *job.Job) { out = append(out, j) }
		q.ready.Each(collect)
		q.delayed.Each(collect)
		sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	case job.StatusActive:
		for id := range q.active {
			out = append(out, m.jobs[id])
		}
		sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	case job.StatusCompleted, job.StatusFailed:
		ids := q.completed
		if status == job.StatusFailed {
			ids = q.failed
		}
		for i := len(ids) - 1; i >= 0; i-- {
			out = append(out, m.jobs[ids[i]])
		}
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, j := range out {
		out[i] = j.Clone()
	}
	return out, nil
}

// Clear removes every job of queue
func (m *Memory) Clear(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.maybeCompact()

	if m.closed {
		return 0, ErrUnavailable
	}

	q, exists := m.queues[queue]
	if !exists {
		return 0, nil
	}

	var ids []string
	collect := func(j *job.Job) { ids = append(ids, j.ID) }
	q.ready.Each(collect)
	q.delayed.Each(collect)
	for id := range q.active {
		ids = append(ids, id)
	}
	ids = append(ids, q.completed...)
	ids = append(ids, q.failed...)

	for _, id := range ids {
		if err := m.journalDelete(queue, id); err != nil {
			return 0, err
		}
	}
	for _, id := range ids {
		delete(m.jobs, id)
	}
	delete(m.queues, queue)

	return len(ids), nil
}

// Trim drops the oldest finished jobs beyond keep. A negative keep disables
// trimming.
func (m *Memory) Trim(ctx context.Context, queue string, status job.Status, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.maybeCompact()

	if m.closed {
		return 0, ErrUnavailable
	}

	q, exists := m.queues[queue]
	if !exists || keep < 0 {
		return 0, nil
	}

	var ids *[]string
	switch status {
	case job.StatusCompleted:
		ids = &q.completed
	case job.StatusFailed:
		ids = &q.failed
	default:
		return 0, fmt.Errorf("cannot trim %s jobs", status)
	}

	removed := 0
	for len(*ids) > keep {
		id := (*ids)[0]
		if err := m.journalDelete(queue, id); err != nil {
			return removed, err
		}
		*ids = (*ids)[1:]
		delete(m.jobs, id)
		removed++
	}

	return removed, nil
}

// Queues returns the names of queues holding at least one job
func (m *Memory) Queues(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Counts tallies the jobs of queue per status
func (m *Memory) Counts(ctx context.Context, queue string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, exists := m.queues[queue]
	if !exists {
		return Counts{}, nil
	}

	counts := Counts{
		Waiting:   int64(q.ready.Len() + q.delayed.Len()),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}

	oldest := func(j *job.Job) {
		if counts.OldestWaiting == nil || j.CreatedAt.Before(*counts.OldestWaiting) {
			created := j.CreatedAt
			counts.OldestWaiting = &created
		}
	}
	q.ready.Each(oldest)
	q.delayed.Each(oldest)

	return counts, nil
}

// Activity sums the finish records of queue at or after since
func (m *Memory) Activity(ctx context.Context, queue string, since time.Time) (Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, exists := m.queues[queue]
	if !exists {
		return Activity{}, nil
	}

	var a Activity
	for _, f := range q.finishes {
		if f.at.Before(since) {
			continue
		}
		if f.failed {
			a.Failed++
			continue
		}
		a.Completed++
		if f.processing > 0 {
			a.Processing += f.processing
			a.Timed++
		}
	}
	if q.lastCompleted != nil {
		last := *q.lastCompleted
		a.LastCompleted = &last
	}
	return a, nil
}

// Ping reports whether the store accepts operations
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	return nil
}

// Close closes the store and its journal
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.wal != nil {
		return m.wal.Close()
	}
	return nil
}

func (m *Memory) replace(old, next *job.Job) {
	m.unindex(old)
	m.jobs[next.ID] = next
	m.index(next)
}

func (m *Memory) index(j *job.Job) {
	q, exists := m.queues[j.Queue]
	if !exists {
		q = newQueueState()
		m.queues[j.Queue] = q
	}

	switch j.Status {
	case job.StatusWaiting:
		if j.DelayUntil != nil {
			q.delayed.Push(j)
		} else {
			q.ready.Push(j)
		}
	case job.StatusActive:
		q.active[j.ID] = struct{}{}
	case job.StatusCompleted:
		q.completed = append(q.completed, j.ID)
	case job.StatusFailed:
		q.failed = append(q.failed, j.ID)
	}
}

func (m *Memory) unindex(j *job.Job) {
	q, exists := m.queues[j.Queue]
	if !exists {
		return
	}

	switch j.Status {
	case job.StatusWaiting:
		if !q.ready.Remove(j.ID) {
			q.delayed.Remove(j.ID)
		}
	case job.StatusActive:
		delete(q.active, j.ID)
	case job.StatusCompleted:
		q.completed = removeID(q.completed, j.ID)
	case job.StatusFailed:
		q.failed = removeID(q.failed, j.ID)
	}
}

func removeID(ids []string, id string) []string {
	for i := range ids {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (m *Memory) journalPut(j *job.Job) error {
	if m.wal == nil {
		return nil
	}

	data, err := job.Encode(j)
	if err != nil {
		return err
	}
	return m.journal(wal.Put(j.Queue, j.ID, data))
}

func (m *Memory) journalDelete(queue, id string) error {
	if m.wal == nil {
		return nil
	}
	return m.journal(wal.Delete(queue, id))
}

func (m *Memory) journal(e wal.Entry) error {
	if err := m.wal.Append(e); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// maybeCompact runs deferred under mu, after the in-memory state caught up
// with the journal.
func (m *Memory) maybeCompact() {
	if m.wal == nil || m.closed {
		return
	}
	if m.compactSegments > 0 && m.wal.SegmentCount() > m.compactSegments {
		m.compact()
	}
	m.observeWAL()
}

// compact rewrites the journal as one put per live job. Called with mu held.
func (m *Memory) compact() {
	live := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		live = append(live, j)
	}
	sortByFinish(live)

	snapshot := make([]wal.Entry, 0, len(live))
	for _, j := range live {
		data, err := job.Encode(j)
		if err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("failed to encode job for compaction")
			return
		}
		snapshot = append(snapshot, wal.Put(j.Queue, j.ID, data))
	}

	if err := m.wal.Compact(snapshot); err != nil {
		log.Error().Err(err).Msg("WAL compaction failed")
	}
}

func (m *Memory) observeWAL() {
	metrics.WALSegments.Set(float64(m.wal.SegmentCount()))
	metrics.WALSizeBytes.Set(float64(m.wal.TotalSize()))
}
