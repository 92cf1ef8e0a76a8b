// Package redisstore implements store.Store on Redis. Jobs are JSON
// documents under <prefix>:job:<id>; each queue keeps sorted-set indexes per
// status. Claims and transitions run as WATCH/MULTI transactions so
// concurrent workers across processes never apply conflicting changes, and a
// Lua script promotes due delayed jobs atomically.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/store"
)

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 100

// promoteBatch bounds the delayed jobs moved per claim
const promoteBatch = 100

// KEYS: delayed, ready, rank. ARGV: now (ms), batch.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	local rank = redis.call('HGET', KEYS[3], id)
	if rank then
		redis.call('ZADD', KEYS[2], rank, id)
	end
end
return #due
`)

// Options for a Redis store
type Options struct {
	Addrs    []string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "relayq".
	Prefix string
}

// Store is a Redis backed store.Store
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ store.Store = (*Store)(nil)

// New connects to Redis and verifies the connection
func New(ctx context.Context, opts Options) (*Store, error) {
	if len(opts.Addrs) == 0 {
		opts.Addrs = []string{"127.0.0.1:6379"}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := NewWithClient(client, opts.Prefix)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().Strs("addrs", opts.Addrs).Str("prefix", s.prefix).Msg("connected to redis")
	return s, nil
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "relayq"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) jobKey(id string) string {
	return s.prefix + ":job:" + id
}

func (s *Store) queuesKey() string {
	return s.prefix + ":queues"
}

func (s *Store) seqKey() string {
	return s.prefix + ":seq"
}

func (s *Store) finishKey() string {
	return s.prefix + ":finished"
}

// index keys of one queue
type keys struct {
	ready     string // WAITING and due, scored by rank
	delayed   string // WAITING with delayUntil, scored by due time
	pending   string // all WAITING, scored by seq
	active    string // scored by seq
	completed string // scored by finish order
	failed    string
	rank      string // hash id -> ready score
	// finish records scored by finish time in microseconds; they outlive
	// Trim and are pruned to store.ActivityRetention
	doneLog   string // members id:processingNanos
	failedLog string // members id
}

func (s *Store) keys(queue string) keys {
	base := s.prefix + ":queue:" + queue + ":"
	return keys{
		ready:     base + "ready",
		delayed:   base + "delayed",
		pending:   base + "pending",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
		rank:      base + "rank",
		doneLog:   base + "activity:completed",
		failedLog: base + "activity:failed",
	}
}

func (k keys) all() []string {
	return []string{k.ready, k.delayed, k.pending, k.active, k.completed, k.failed, k.rank, k.doneLog, k.failedLog}
}

func (k keys) sets() []string {
	return []string{k.ready, k.delayed, k.pending, k.active, k.completed, k.failed}
}

// rank orders ready jobs: higher priority first, then insertion order
func rank(j *job.Job) float64 {
	return float64(job.MaxPriority-j.Priority)*1e12 + float64(j.Seq)
}

// unavailable marks infrastructure errors. Transaction conflicts pass
// through so callers can retry them.
func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.TxFailedErr) || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

// fnError carries an UpdateFunc error out of a transaction untouched
type fnError struct {
	err error
}

func (e *fnError) Error() string {
	return e.err.Error()
}

func (e *fnError) Unwrap() error {
	return e.err
}

// result unwraps errors returned from a Watch callback
func result(err error) error {
	var fe *fnError
	if errors.As(err, &fe) {
		return fe.err
	}
	if errors.Is(err, job.ErrNotFound) {
		return err
	}
	return unavailable(err)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, id string) (*job.Job, error) {
	data, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	j, err := job.Decode(data)
	if err != nil {
		return nil, &fnError{err: fmt.Errorf("failed to decode job %s: %w", id, err)}
	}
	return j, nil
}

// reindex queues commands moving j into the index matching its status
func (s *Store) reindex(ctx context.Context, pipe redis.Pipeliner, j *job.Job, finish int64) {
	k := s.keys(j.Queue)
	for _, set := range k.sets() {
		pipe.ZRem(ctx, set, j.ID)
	}

	switch j.Status {
	case job.StatusWaiting:
		pipe.HSet(ctx, k.rank, j.ID, rank(j))
		pipe.ZAdd(ctx, k.pending, &redis.Z{Score: float64(j.Seq), Member: j.ID})
		if j.DelayUntil != nil {
			pipe.ZAdd(ctx, k.delayed, &redis.Z{Score: float64(j.DelayUntil.UnixMilli()), Member: j.ID})
		} else {
			pipe.ZAdd(ctx, k.ready, &redis.Z{Score: rank(j), Member: j.ID})
		}
	case job.StatusActive:
		pipe.HDel(ctx, k.rank, j.ID)
		pipe.ZAdd(ctx, k.active, &redis.Z{Score: float64(j.Seq), Member: j.ID})
	case job.StatusCompleted:
		pipe.HDel(ctx, k.rank, j.ID)
		pipe.ZAdd(ctx, k.completed, &redis.Z{Score: float64(finish), Member: j.ID})
	case job.StatusFailed:
		pipe.HDel(ctx, k.rank, j.ID)
		pipe.ZAdd(ctx, k.failed, &redis.Z{Score: float64(finish), Member: j.ID})
	}
}

// logFinish queues the finish record of a job that just became terminal
func (s *Store) logFinish(ctx context.Context, pipe redis.Pipeliner, j *job.Job) {
	k := s.keys(j.Queue)

	var at time.Time
	set, member := k.failedLog, j.ID
	switch {
	case j.Status == job.StatusCompleted && j.CompletedAt != nil:
		at = *j.CompletedAt
		set, member = k.doneLog, fmt.Sprintf("%s:%d", j.ID, j.ProcessingTime().Nanoseconds())
	case j.FailedAt != nil:
		at = *j.FailedAt
	default:
		return
	}

	pipe.ZAdd(ctx, set, &redis.Z{Score: float64(at.UnixMicro()), Member: member})
	cutoff := at.Add(-store.ActivityRetention).UnixMicro()
	pipe.ZRemRangeByScore(ctx, set, "-inf", fmt.Sprintf("(%d", cutoff))
}

// Add persists a new WAITING job
func (s *Store) Add(ctx context.Context, j *job.Job) (*job.Job, error) {
	exists, err := s.client.Exists(ctx, s.jobKey(j.ID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("job %s already exists", j.ID)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	stored := j.Clone()
	stored.Seq = uint64(seq)
	data, err := job.Encode(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(stored.ID), data, 0)
		pipe.SAdd(ctx, s.queuesKey(), stored.Queue)
		s.reindex(ctx, pipe, stored, 0)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return stored, nil
}

// promote moves due delayed jobs of queue into the ready index
func (s *Store) promote(ctx context.Context, queue string, now time.Time) error {
	k := s.keys(queue)
	err := promoteScript.Run(ctx, s.client, []string{k.delayed, k.ready, k.rank}, now.UnixMilli(), promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}
	return nil
}

// errStaleIndex signals a ready entry whose job is gone or not WAITING
var errStaleIndex = errors.New("stale ready index entry")

// ClaimNext activates the best ready job of queue
func (s *Store) ClaimNext(ctx context.Context, queue string, now time.Time) (*job.Job, error) {
	if err := s.promote(ctx, queue, now); err != nil {
		return nil, err
	}

	k := s.keys(queue)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var claimed *job.Job
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.ZRange(ctx, k.ready, 0, 0).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			id := ids[0]

			if err := tx.Watch(ctx, s.jobKey(id)).Err(); err != nil {
				return err
			}
			j, err := s.load(ctx, tx, id)
			if errors.Is(err, job.ErrNotFound) {
				err = errStaleIndex
			}
			if err == nil && j.Activate(now) != nil {
				err = errStaleIndex
			}
			if errors.Is(err, errStaleIndex) {
				_, perr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, k.ready, id)
					return nil
				})
				if perr != nil {
					return perr
				}
				return errStaleIndex
			}
			if err != nil {
				return err
			}

			data, err := job.Encode(j)
			if err != nil {
				return &fnError{err: err}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.jobKey(id), data, 0)
				s.reindex(ctx, pipe, j, 0)
				return nil
			})
			if err == nil {
				claimed = j
			}
			return err
		}, k.ready)

		switch {
		case err == nil:
			return claimed, nil
		case errors.Is(err, redis.TxFailedErr), errors.Is(err, errStaleIndex):
			continue
		default:
			return nil, result(err)
		}
	}

	return nil, fmt.Errorf("%w: claim contention on queue %s", store.ErrUnavailable, queue)
}

// Update applies fn to job id inside an optimistic transaction
func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (*job.Job, error) {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var updated *job.Job
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			j, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			wasTerminal := j.Status.IsTerminal()
			if err := fn(j); err != nil {
				return &fnError{err: err}
			}

			var finish int64
			if j.Status.IsTerminal() && !wasTerminal {
				if finish, err = tx.Incr(ctx, s.finishKey()).Result(); err != nil {
					return err
				}
			}

			data, err := job.Encode(j)
			if err != nil {
				return &fnError{err: err}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.jobKey(id), data, 0)
				s.reindex(ctx, pipe, j, finish)
				if finish > 0 {
					s.logFinish(ctx, pipe, j)
				}
				return nil
			})
			if err == nil {
				updated = j
			}
			return err
		}, s.jobKey(id))

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, result(err)
		}
	}

	return nil, fmt.Errorf("%w: update contention on job %s", store.ErrUnavailable, id)
}

// Get returns a job by id
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, result(err)
	}
	return j, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	jobKeys := make([]string, len(ids))
	for i, id := range ids {
		jobKeys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, jobKeys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]*job.Job, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// removed between the index read and the fetch
			continue
		}
		j, err := job.Decode([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", ids[i], err)
		}
		out = append(out, j)
	}
	return out, nil
}

// List returns jobs of queue in status. WAITING and ACTIVE jobs come in
// insertion order, finished jobs newest first.
func (s *Store) List(ctx context.Context, queue string, status job.Status, limit int) ([]*job.Job, error) {
	k := s.keys(queue)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var (
		ids []string
		err error
	)
	switch status {
	case job.StatusWaiting:
		ids, err = s.client.ZRange(ctx, k.pending, 0, stop).Result()
	case job.StatusActive:
		ids, err = s.client.ZRange(ctx, k.active, 0, stop).Result()
	case job.StatusCompleted:
		ids, err = s.client.ZRevRange(ctx, k.completed, 0, stop).Result()
	case job.StatusFailed:
		ids, err = s.client.ZRevRange(ctx, k.failed, 0, stop).Result()
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	return s.loadMany(ctx, ids)
}

// Clear removes every job of queue
func (s *Store) Clear(ctx context.Context, queue string) (int, error) {
	k := s.keys(queue)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		removed := 0
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			seen := make(map[string]bool)
			for _, set := range []string{k.pending, k.active, k.completed, k.failed} {
				ids, err := tx.ZRange(ctx, set, 0, -1).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					seen[id] = true
				}
			}

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for id := range seen {
					pipe.Del(ctx, s.jobKey(id))
				}
				pipe.Del(ctx, k.all()...)
				pipe.SRem(ctx, s.queuesKey(), queue)
				return nil
			})
			if err == nil {
				removed = len(seen)
			}
			return err
		}, k.sets()...)

		switch {
		case err == nil:
			return removed, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return 0, result(err)
		}
	}

	return 0, fmt.Errorf("%w: clear contention on queue %s", store.ErrUnavailable, queue)
}

// Trim keeps the newest keep jobs of a finished status
func (s *Store) Trim(ctx context.Context, queue string, status job.Status, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}

	k := s.keys(queue)
	var set string
	switch status {
	case job.StatusCompleted:
		set = k.completed
	case job.StatusFailed:
		set = k.failed
	default:
		return 0, fmt.Errorf("cannot trim %s jobs", status)
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		removed := 0
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.ZCard(ctx, set).Result()
			if err != nil {
				return err
			}
			excess := n - int64(keep)
			if excess <= 0 {
				return nil
			}

			ids, err := tx.ZRange(ctx, set, 0, excess-1).Result()
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, id := range ids {
					pipe.ZRem(ctx, set, id)
					pipe.Del(ctx, s.jobKey(id))
				}
				return nil
			})
			if err == nil {
				removed = len(ids)
			}
			return err
		}, set)

		switch {
		case err == nil:
			return removed, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return 0, result(err)
		}
	}

	return 0, fmt.Errorf("%w: trim contention on queue %s", store.ErrUnavailable, queue)
}

// Queues returns every queue holding jobs
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.queuesKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Strings(names)
	return names, nil
}

// Counts tallies queue per status
func (s *Store) Counts(ctx context.Context, queue string) (store.Counts, error) {
	k := s.keys(queue)

	var waiting, active, completed, failed *redis.IntCmd
	var oldest *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, k.pending)
		active = pipe.ZCard(ctx, k.active)
		completed = pipe.ZCard(ctx, k.completed)
		failed = pipe.ZCard(ctx, k.failed)
		oldest = pipe.ZRange(ctx, k.pending, 0, 0)
		return nil
	})
	if err != nil {
		return store.Counts{}, unavailable(err)
	}

	counts := store.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}

	// the lowest sequence number is the oldest waiting job
	if ids := oldest.Val(); len(ids) > 0 {
		j, err := s.Get(ctx, ids[0])
		switch {
		case err == nil:
			created := j.CreatedAt
			counts.OldestWaiting = &created
		case !errors.Is(err, job.ErrNotFound):
			return store.Counts{}, err
		}
	}

	return counts, nil
}

// Activity reads the finish records of queue at or after since
func (s *Store) Activity(ctx context.Context, queue string, since time.Time) (store.Activity, error) {
	k := s.keys(queue)
	from := strconv.FormatInt(since.UnixMicro(), 10)

	var done *redis.StringSliceCmd
	var failed *redis.IntCmd
	var last *redis.ZSliceCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		done = pipe.ZRangeByScore(ctx, k.doneLog, &redis.ZRangeBy{Min: from, Max: "+inf"})
		failed = pipe.ZCount(ctx, k.failedLog, from, "+inf")
		last = pipe.ZRevRangeWithScores(ctx, k.doneLog, 0, 0)
		return nil
	})
	if err != nil {
		return store.Activity{}, unavailable(err)
	}

	a := store.Activity{
		Completed: int64(len(done.Val())),
		Failed:    failed.Val(),
	}
	for _, member := range done.Val() {
		i := strings.LastIndexByte(member, ':')
		if i < 0 {
			continue
		}
		nanos, err := strconv.ParseInt(member[i+1:], 10, 64)
		if err != nil || nanos <= 0 {
			continue
		}
		a.Processing += time.Duration(nanos)
		a.Timed++
	}
	if z := last.Val(); len(z) > 0 {
		at := time.UnixMicro(int64(z[0].Score)).UTC()
		a.LastCompleted = &at
	}
	return a, nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx).Err())
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}
