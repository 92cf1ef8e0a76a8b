package queue

import (
	"time"

	"github.com/relayq/relayq/internal/backoff"
	"github.com/relayq/relayq/internal/health"
)

// RateLimitConfig bounds how fast AddJob accepts jobs for a queue
type RateLimitConfig struct {
	Capacity   float64 `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refillRate"` // tokens per second
}

// QueueConfig holds the resolved settings of a queue
type QueueConfig struct {
	Concurrency       int           `yaml:"concurrency" json:"concurrency"`
	MaxAttempts       uint32        `yaml:"max_attempts" json:"maxAttempts"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retryDelay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoffMultiplier"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay" json:"maxRetryDelay"`
	// JobTimeout is the handler watchdog; zero falls back to StaleAfter
	JobTimeout      time.Duration `yaml:"job_timeout" json:"jobTimeout"`
	StalledInterval time.Duration `yaml:"stalled_interval" json:"stalledInterval"`
	MaxStalledCount int           `yaml:"max_stalled_count" json:"maxStalledCount"`
	// RemoveOnComplete and RemoveOnFail keep that many finished jobs;
	// negative keeps all
	RemoveOnComplete int               `yaml:"remove_on_complete" json:"removeOnComplete"`
	RemoveOnFail     int               `yaml:"remove_on_fail" json:"removeOnFail"`
	RateLimit        RateLimitConfig   `yaml:"rate_limit" json:"rateLimit"`
	Health           health.Thresholds `yaml:"health" json:"health"`
}

// DefaultQueueConfig returns the defaults applied to every queue
func DefaultQueueConfig() QueueConfig {
	policy := backoff.DefaultPolicy()
	return QueueConfig{
		Concurrency:       1,
		MaxAttempts:       3,
		RetryDelay:        policy.BaseDelay,
		BackoffMultiplier: policy.Multiplier,
		MaxRetryDelay:     policy.MaxDelay,
		StalledInterval:   30 * time.Second,
		MaxStalledCount:   1,
		RemoveOnComplete:  100,
		RemoveOnFail:      50,
		Health:            health.DefaultThresholds(),
	}
}

// QueueOverride is a per-queue layer over the defaults. Nil fields inherit;
// a set field applies even when zero, so remove_on_complete: 0 keeps no
// completed jobs. RateLimit replaces the default bucket as a whole.
type QueueOverride struct {
	Concurrency       *int                `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	MaxAttempts       *uint32             `yaml:"max_attempts,omitempty" json:"maxAttempts,omitempty"`
	RetryDelay        *time.Duration      `yaml:"retry_delay,omitempty" json:"retryDelay,omitempty"`
	BackoffMultiplier *float64            `yaml:"backoff_multiplier,omitempty" json:"backoffMultiplier,omitempty"`
	MaxRetryDelay     *time.Duration      `yaml:"max_retry_delay,omitempty" json:"maxRetryDelay,omitempty"`
	JobTimeout        *time.Duration      `yaml:"job_timeout,omitempty" json:"jobTimeout,omitempty"`
	StalledInterval   *time.Duration      `yaml:"stalled_interval,omitempty" json:"stalledInterval,omitempty"`
	MaxStalledCount   *int                `yaml:"max_stalled_count,omitempty" json:"maxStalledCount,omitempty"`
	RemoveOnComplete  *int                `yaml:"remove_on_complete,omitempty" json:"removeOnComplete,omitempty"`
	RemoveOnFail      *int                `yaml:"remove_on_fail,omitempty" json:"removeOnFail,omitempty"`
	RateLimit         *RateLimitConfig    `yaml:"rate_limit,omitempty" json:"rateLimit,omitempty"`
	Health            *ThresholdsOverride `yaml:"health,omitempty" json:"health,omitempty"`
}

// ThresholdsOverride layers health thresholds the way QueueOverride layers
// queue settings; a set zero disables the check
type ThresholdsOverride struct {
	QueueSizeWarn      *int64         `yaml:"queue_size_warn,omitempty" json:"queueSizeWarn,omitempty"`
	ProcessingTimeWarn *time.Duration `yaml:"processing_time_warn,omitempty" json:"processingTimeWarn,omitempty"`
	ProcessingTimeFail *time.Duration `yaml:"processing_time_fail,omitempty" json:"processingTimeFail,omitempty"`
	ErrorRateWarn      *float64       `yaml:"error_rate_warn,omitempty" json:"errorRateWarn,omitempty"`
	ErrorRateFail      *float64       `yaml:"error_rate_fail,omitempty" json:"errorRateFail,omitempty"`
}

// Merge returns c with every set field of o applied
func (c QueueConfig) Merge(o QueueOverride) QueueConfig {
	out := c
	apply(&out.Concurrency, o.Concurrency)
	apply(&out.MaxAttempts, o.MaxAttempts)
	apply(&out.RetryDelay, o.RetryDelay)
	apply(&out.BackoffMultiplier, o.BackoffMultiplier)
	apply(&out.MaxRetryDelay, o.MaxRetryDelay)
	apply(&out.JobTimeout, o.JobTimeout)
	apply(&out.StalledInterval, o.StalledInterval)
	apply(&out.MaxStalledCount, o.MaxStalledCount)
	apply(&out.RemoveOnComplete, o.RemoveOnComplete)
	apply(&out.RemoveOnFail, o.RemoveOnFail)
	apply(&out.RateLimit, o.RateLimit)
	if h := o.Health; h != nil {
		apply(&out.Health.QueueSizeWarn, h.QueueSizeWarn)
		apply(&out.Health.ProcessingTimeWarn, h.ProcessingTimeWarn)
		apply(&out.Health.ProcessingTimeFail, h.ProcessingTimeFail)
		apply(&out.Health.ErrorRateWarn, h.ErrorRateWarn)
		apply(&out.Health.ErrorRateFail, h.ErrorRateFail)
	}
	return out
}

func apply[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Set returns a pointer to v, for building overrides in code
func Set[T any](v T) *T {
	return &v
}

// Policy returns the queue's retry policy
func (c QueueConfig) Policy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:  c.RetryDelay,
		MaxDelay:   c.MaxRetryDelay,
		Multiplier: c.BackoffMultiplier,
	}
}

// StaleAfter is how long a job may stay ACTIVE before it counts as stalled
func (c QueueConfig) StaleAfter() time.Duration {
	count := c.MaxStalledCount
	if count < 1 {
		count = 1
	}
	return c.StalledInterval * time.Duration(count)
}

// Watchdog is how long a handler may run before the attempt fails with
// handler_timeout. It is never zero.
func (c QueueConfig) Watchdog() time.Duration {
	if c.JobTimeout > 0 {
		return c.JobTimeout
	}
	if stale := c.StaleAfter(); stale > 0 {
		return stale
	}
	return DefaultQueueConfig().StaleAfter()
}
