package kv

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdempotencyKeys(t *testing.T) {
	s := openStore(t)

	id, err := s.ReserveIdempotencyKey("emails", "order-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	id, err = s.ReserveIdempotencyKey("emails", "order-1", "job-2")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	// Keys are scoped per queue
	id, err = s.ReserveIdempotencyKey("sms", "order-1", "job-3")
	require.NoError(t, err)
	assert.Equal(t, "job-3", id)

	require.NoError(t, s.ReplaceIdempotencyKey("emails", "order-1", "job-4"))
	id, err = s.ReserveIdempotencyKey("emails", "order-1", "job-5")
	require.NoError(t, err)
	assert.Equal(t, "job-4", id)

	require.NoError(t, s.ReleaseIdempotencyKey("emails", "order-1"))
	id, err = s.ReserveIdempotencyKey("emails", "order-1", "job-6")
	require.NoError(t, err)
	assert.Equal(t, "job-6", id)
}

func TestCache(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.CacheSet("forever", json.RawMessage(`{"a":1}`), 0))
	require.NoError(t, s.CacheSet("short", json.RawMessage(`2`), time.Millisecond))

	v, ok, err := s.CacheGet("forever")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(v))

	time.Sleep(5 * time.Millisecond)
	_, ok, err = s.CacheGet("short")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.PurgeExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.CacheDelete("forever"))
	_, ok, err = s.CacheGet("forever")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanPrefix(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Set([]byte("a:1"), []byte("x")))
	require.NoError(t, s.Set([]byte("a:2"), []byte("y")))
	require.NoError(t, s.Set([]byte("b:1"), []byte("z")))

	var keys []string
	require.NoError(t, s.Scan([]byte("a:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	missing, err := s.Get([]byte("nope"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}
