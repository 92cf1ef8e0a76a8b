package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes capped exponential backoff.
//
// NextDelay(n) = min(MaxDelay, BaseDelay * Multiplier^n), optionally spread by
// ±Jitter. The queue retry policy runs without jitter so delays stay
// predictable; the worker's store-retry loop uses a small jitter.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64 // Jitter factor (0.0 to 1.0)
}

// DefaultPolicy returns the default retry policy: 1s base, doubling, 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// StoreRetryPolicy is used by workers when the store itself is unreachable.
func StoreRetryPolicy() Policy {
	return Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1, // ±10% jitter
	}
}

// NextDelay computes the delay before the next attempt.
func (p Policy) NextDelay(attemptsMade uint32) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attemptsMade))

	// Cap at max delay; also guards against +Inf for large attempt counts
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Add jitter (±jitter%)
	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed.
func (p Policy) ShouldRetry(attemptsMade, maxAttempts uint32) bool {
	return attemptsMade < maxAttempts
}
