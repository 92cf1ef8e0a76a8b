package redisstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/store"
	"github.com/relayq/relayq/internal/store/storetest"
)

func redisAddrs(t *testing.T) []string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("set REDIS_ADDR to run redis store tests")
	}
	return strings.Split(addr, ",")
}

// newTestStore namespaces every test under a random prefix and deletes its
// keys afterwards
func newTestStore(t *testing.T) *Store {
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: redisAddrs(t)})
	s := NewWithClient(client, "relayq-test-"+uuid.New().String())
	require.NoError(t, s.Ping(context.Background()))

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestPromoteKeepsPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	delayed := storetest.NewJob("delayed-high", "q", job.PriorityHigh, 1)
	delayed.DelayUntil = &now
	_, err := s.Add(ctx, delayed)
	require.NoError(t, err)
	_, err = s.Add(ctx, storetest.NewJob("normal", "q", job.PriorityNormal, 1))
	require.NoError(t, err)

	first, err := s.ClaimNext(ctx, "q", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "delayed-high", first.ID)
	assert.Nil(t, first.DelayUntil)
}

func TestStaleReadyEntryIsSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, storetest.NewJob("a", "q", job.PriorityNormal, 1))
	require.NoError(t, err)
	_, err = s.Add(ctx, storetest.NewJob("b", "q", job.PriorityNormal, 1))
	require.NoError(t, err)

	// lose the document of "a" behind the index's back
	require.NoError(t, s.client.Del(ctx, s.jobKey("a")).Err())

	j, err := s.ClaimNext(ctx, "q", time.Now())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "b", j.ID)
}

func TestUnreachableRedisIsUnavailable(t *testing.T) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{"127.0.0.1:1"},
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewWithClient(client, "unreachable")
	defer s.Close()

	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), store.ErrUnavailable)

	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = s.ClaimNext(ctx, "q", time.Now())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
