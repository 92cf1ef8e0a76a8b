package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnlimitedByDefault(t *testing.T) {
	l := NewLimiter()

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("emails"))
	}
	assert.Equal(t, float64(-1), l.Tokens("emails"))
	_, ok := l.Get("emails")
	assert.False(t, ok)
}

func TestBucketPerQueue(t *testing.T) {
	l := NewLimiter()
	l.Set("emails", Limit{Capacity: 5, RefillRate: 1})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("emails"))
	}
	assert.False(t, l.Allow("emails"))

	// other queues are not affected
	assert.True(t, l.Allow("reports"))

	lim, ok := l.Get("emails")
	assert.True(t, ok)
	assert.Equal(t, Limit{Capacity: 5, RefillRate: 1}, lim)
}

func TestRefill(t *testing.T) {
	l := NewLimiter()
	l.Set("q", Limit{Capacity: 2, RefillRate: 20})

	assert.True(t, l.Allow("q"))
	assert.True(t, l.Allow("q"))
	assert.False(t, l.Allow("q"))

	// 20 tokens/sec refills one token in 50ms
	time.Sleep(150 * time.Millisecond)
	assert.True(t, l.Allow("q"))
}

func TestSetDisabledRemovesBucket(t *testing.T) {
	l := NewLimiter()
	l.Set("q", Limit{Capacity: 1, RefillRate: 0.001})
	assert.True(t, l.Allow("q"))
	assert.False(t, l.Allow("q"))

	l.Set("q", Limit{})
	assert.True(t, l.Allow("q"))
	_, ok := l.Get("q")
	assert.False(t, ok)

	assert.False(t, Limit{Capacity: 0.5, RefillRate: 1}.Enabled())
}
