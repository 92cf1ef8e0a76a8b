// Package ratelimit holds the per-queue token buckets guarding AddJob.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit describes a token bucket: Capacity is the burst size and RefillRate
// the tokens added per second
type Limit struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

// Enabled reports whether the limit restricts anything
func (l Limit) Enabled() bool {
	return l.Capacity >= 1 && l.RefillRate > 0
}

type bucket struct {
	limit   Limit
	limiter *rate.Limiter
}

// Limiter keys token buckets by queue name. Queues without a bucket are
// unlimited.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewLimiter creates an empty limiter
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

func (l *Limiter) get(queue string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[queue]
}

// Allow takes one token from the bucket of queue
func (l *Limiter) Allow(queue string) bool {
	b := l.get(queue)
	return b == nil || b.limiter.Allow()
}

// Set installs lim for queue, keeping the tokens of an existing bucket. A
// limit that is not Enabled removes the bucket.
func (l *Limiter) Set(queue string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !lim.Enabled() {
		delete(l.buckets, queue)
		return
	}

	if b, ok := l.buckets[queue]; ok {
		b.limiter.SetLimit(rate.Limit(lim.RefillRate))
		b.limiter.SetBurst(int(lim.Capacity))
		b.limit = lim
		return
	}
	l.buckets[queue] = &bucket{
		limit:   lim,
		limiter: rate.NewLimiter(rate.Limit(lim.RefillRate), int(lim.Capacity)),
	}
}

// Get returns the limit of queue
func (l *Limiter) Get(queue string) (Limit, bool) {
	b := l.get(queue)
	if b == nil {
		return Limit{}, false
	}
	return b.limit, true
}

// Tokens returns the tokens available to queue, or -1 when it is unlimited
func (l *Limiter) Tokens(queue string) float64 {
	b := l.get(queue)
	if b == nil {
		return -1
	}
	return b.limiter.Tokens()
}
