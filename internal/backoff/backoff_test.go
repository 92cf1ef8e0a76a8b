package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt  uint32
		expected time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{4, 16000 * time.Millisecond},
		{5, 30000 * time.Millisecond},
		{10, 30000 * time.Millisecond},
		{200, 30000 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNextDelayZeroBase(t *testing.T) {
	p := Policy{Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, time.Duration(0), p.NextDelay(3))
}

func TestNextDelayWithJitter(t *testing.T) {
	p := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}

	results := make([]time.Duration, 10)
	for i := 0; i < 10; i++ {
		results[i] = p.NextDelay(2)
	}

	allSame := true
	for _, r := range results[1:] {
		if r != results[0] {
			allSame = false
			break
		}
	}
	assert.False(t, allSame, "results should vary due to jitter")

	// 400ms ± 10%
	expected := 400 * time.Millisecond
	for _, r := range results {
		assert.GreaterOrEqual(t, float64(r), float64(expected)*0.9)
		assert.LessOrEqual(t, float64(r), float64(expected)*1.1)
	}
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.ShouldRetry(0, 3))
	assert.True(t, p.ShouldRetry(2, 3))
	assert.False(t, p.ShouldRetry(3, 3))
	assert.False(t, p.ShouldRetry(1, 1))
}
