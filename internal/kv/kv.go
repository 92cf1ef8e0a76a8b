package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

const (
	idempotencyPrefix = "idempotency:"
	cachePrefix       = "cache:"
)

// Store provides KV storage using Pebble: AddJob idempotency keys and a
// TTL response cache handlers use to short-circuit duplicate work
type Store struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-then-write sequences
}

// New creates a new Store instance
func New(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &Store{
		db: db,
	}, nil
}

// Set stores a key-value pair
func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// Get retrieves a value by key; a missing key yields nil, nil
func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	// Copy value since it's only valid until closer is called
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Delete removes a key
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

// Scan iterates over keys with a prefix
func (s *Store) Scan(prefix []byte, callback func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if err := callback(key, value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

func idempotencyKey(queue, key string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", idempotencyPrefix, queue, key))
}

// ReserveIdempotencyKey binds key to jobID unless it is already bound, in
// which case the existing job id is returned
func (s *Store) ReserveIdempotencyKey(queue, key, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idempotencyKey(queue, key)
	existing, err := s.Get(k)
	if err != nil {
		return "", fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if existing != nil {
		return string(existing), nil
	}

	if err := s.Set(k, []byte(jobID)); err != nil {
		return "", fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return jobID, nil
}

// ReplaceIdempotencyKey rebinds key, used when the bound job no longer exists
func (s *Store) ReplaceIdempotencyKey(queue, key, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Set(idempotencyKey(queue, key), []byte(jobID))
}

// ReleaseIdempotencyKey removes a binding
func (s *Store) ReleaseIdempotencyKey(queue, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delete(idempotencyKey(queue, key))
}

// cacheEntry is the stored form of a cached response
type cacheEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at"` // Unix milliseconds, 0 = never
}

// CacheSet stores value under key for ttl (forever when ttl <= 0)
func (s *Store) CacheSet(key string, value json.RawMessage, ttl time.Duration) error {
	entry := cacheEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Set([]byte(cachePrefix+key), data)
}

// CacheGet returns a cached value that has not expired
func (s *Store) CacheGet(key string) (json.RawMessage, bool, error) {
	data, err := s.Get([]byte(cachePrefix + key))
	if err != nil || data == nil {
		return nil, false, err
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if entry.ExpiresAt > 0 && time.Now().UnixMilli() >= entry.ExpiresAt {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// CacheDelete removes a cached value
func (s *Store) CacheDelete(key string) error {
	return s.Delete([]byte(cachePrefix + key))
}

// PurgeExpired deletes expired cache entries and returns how many it removed
func (s *Store) PurgeExpired(now time.Time) (int, error) {
	var expired [][]byte
	err := s.Scan([]byte(cachePrefix), func(key, value []byte) error {
		var entry cacheEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			expired = append(expired, key)
			return nil
		}
		if entry.ExpiresAt > 0 && now.UnixMilli() >= entry.ExpiresAt {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range expired {
		if err := s.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// RunJanitor purges expired cache entries every interval until ctx is done
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.PurgeExpired(now)
			if err != nil {
				log.Error().Err(err).Msg("failed to purge expired cache entries")
				continue
			}
			if n > 0 {
				log.Debug().Int("purged", n).Msg("purged expired cache entries")
			}
		}
	}
}
