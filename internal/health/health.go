package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/stats"
)

// Verdict of a single check
type Verdict string

const (
	Pass Verdict = "pass"
	Warn Verdict = "warn"
	Fail Verdict = "fail"
)

func (v Verdict) rank() int {
	switch v {
	case Warn:
		return 1
	case Fail:
		return 2
	}
	return 0
}

// Status is the overall verdict
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Gauge maps a status onto the relayq_health_status metric
func (s Status) Gauge() float64 {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	}
	return 0
}

// Check names
const (
	CheckQueueSize         = "queueSize"
	CheckProcessingTime    = "processingTime"
	CheckErrorRate         = "errorRate"
	CheckMemoryUsage       = "memoryUsage"
	CheckStoreConnectivity = "storeConnectivity"
	CheckStaleJobs         = "staleJobs"
	CheckDeadlock          = "deadlockDetection"
)

// CheckResult is the outcome of one check
type CheckResult struct {
	Verdict  Verdict       `json:"verdict"`
	Message  string        `json:"message"`
	Value    float64       `json:"value"`
	Duration time.Duration `json:"duration"`
}

// Result is the health of one queue
type Result struct {
	Queue     string                 `json:"queue"`
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Stats     stats.QueueStats       `json:"stats"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Thresholds configure the per-queue checks. A zero threshold disables the
// corresponding check.
type Thresholds struct {
	// QueueSizeWarn warns above N waiting jobs and fails above 2N
	QueueSizeWarn      int64         `yaml:"queue_size_warn" json:"queueSizeWarn"`
	ProcessingTimeWarn time.Duration `yaml:"processing_time_warn" json:"processingTimeWarn"`
	ProcessingTimeFail time.Duration `yaml:"processing_time_fail" json:"processingTimeFail"`
	ErrorRateWarn      float64       `yaml:"error_rate_warn" json:"errorRateWarn"`
	ErrorRateFail      float64       `yaml:"error_rate_fail" json:"errorRateFail"`
}

// DefaultThresholds returns the thresholds used when a queue sets none
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueSizeWarn:      1000,
		ProcessingTimeWarn: 30 * time.Second,
		ProcessingTimeFail: 2 * time.Minute,
		ErrorRateWarn:      0.1,
		ErrorRateFail:      0.25,
	}
}

// QueueSettings is what the checker needs to know about a queue
type QueueSettings struct {
	Thresholds Thresholds
	// StaleAfter is stalledInterval × maxStalledCount
	StaleAfter time.Duration
}

// StatsSource supplies queue statistics
type StatsSource interface {
	Stats(ctx context.Context, queue string) (stats.QueueStats, error)
}

// Store is the read side of the queue store the checker uses
type Store interface {
	Ping(ctx context.Context) error
	List(ctx context.Context, queue string, status job.Status, limit int) ([]*job.Job, error)
}

// Config for a Checker
type Config struct {
	// DeadlockWindow is how long no queue may complete a job while jobs wait
	DeadlockWindow time.Duration
	// MemoryWarnBytes and MemoryFailBytes bound the Go heap in use
	MemoryWarnBytes uint64
	MemoryFailBytes uint64
	// StoreFailAfter turns a persistent store outage from warn into fail
	StoreFailAfter time.Duration
	PingTimeout    time.Duration
	// StoreFailingSince reports when workers started seeing store errors
	StoreFailingSince func() time.Time
	Now               func() time.Time
}

// Checker runs the health checks and caches the latest results
type Checker struct {
	cfg   Config
	stats StatsSource
	store Store
	// started stands in for the last completion until a queue reports one
	started time.Time

	mu   sync.RWMutex
	last map[string]Result
}

// NewChecker creates a Checker
func NewChecker(cfg Config, statsSource StatsSource, st Store) *Checker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.StoreFailAfter <= 0 {
		cfg.StoreFailAfter = 30 * time.Second
	}
	if cfg.StoreFailingSince == nil {
		cfg.StoreFailingSince = func() time.Time { return time.Time{} }
	}

	return &Checker{
		cfg:     cfg,
		stats:   statsSource,
		store:   st,
		started: cfg.Now(),
		last:    make(map[string]Result),
	}
}

// CheckAll evaluates every queue. Process-wide checks run once and are
// shared by all results.
func (c *Checker) CheckAll(ctx context.Context, queues map[string]QueueSettings) map[string]Result {
	started := c.cfg.Now()

	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)

	snapshots := make(map[string]stats.QueueStats, len(names))
	statErrs := make(map[string]error)
	var totalWaiting int64
	lastCompleted := c.started
	for _, name := range names {
		qs, err := c.stats.Stats(ctx, name)
		if err != nil {
			statErrs[name] = err
			continue
		}
		snapshots[name] = qs
		totalWaiting += qs.Waiting
		if qs.LastCompletedAt != nil && qs.LastCompletedAt.After(lastCompleted) {
			lastCompleted = *qs.LastCompletedAt
		}
	}

	shared := map[string]CheckResult{
		CheckMemoryUsage:       timed(c.memoryUsage),
		CheckStoreConnectivity: timed(func() CheckResult { return c.storeConnectivity(ctx) }),
		CheckDeadlock:          timed(func() CheckResult { return c.deadlock(totalWaiting, lastCompleted) }),
	}

	results := make(map[string]Result, len(names))
	for _, name := range names {
		settings := queues[name]
		checks := make(map[string]CheckResult, 7)
		for k, v := range shared {
			checks[k] = v
		}

		qs, ok := snapshots[name]
		if ok {
			checks[CheckQueueSize] = timed(func() CheckResult { return queueSize(qs, settings.Thresholds) })
			checks[CheckProcessingTime] = timed(func() CheckResult { return processingTime(qs, settings.Thresholds) })
			checks[CheckErrorRate] = timed(func() CheckResult { return errorRate(qs, settings.Thresholds) })
		} else {
			unavailable := CheckResult{Verdict: Fail, Message: fmt.Sprintf("stats unavailable: %v", statErrs[name])}
			checks[CheckQueueSize] = unavailable
			checks[CheckProcessingTime] = unavailable
			checks[CheckErrorRate] = unavailable
		}
		checks[CheckStaleJobs] = timed(func() CheckResult { return c.staleJobs(ctx, name, settings.StaleAfter) })

		now := c.cfg.Now()
		results[name] = Result{
			Queue:     name,
			Status:    Reduce(checks),
			Checks:    checks,
			Stats:     qs,
			Duration:  now.Sub(started),
			Timestamp: now,
		}
	}

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	for name, r := range results {
		metrics.HealthStatus.WithLabelValues(name).Set(r.Status.Gauge())
	}

	return results
}

// Last returns the cached result of the latest CheckAll for queue
func (c *Checker) Last(queue string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.last[queue]
	return r, ok
}

// Reduce folds check verdicts into an overall status: any fail is
// unhealthy, otherwise any warn is degraded
func Reduce(checks map[string]CheckResult) Status {
	worst := Pass
	for _, check := range checks {
		if check.Verdict.rank() > worst.rank() {
			worst = check.Verdict
		}
	}

	switch worst {
	case Fail:
		return Unhealthy
	case Warn:
		return Degraded
	}
	return Healthy
}

// Overall reduces many queue results into one status
func Overall(results map[string]Result) Status {
	status := Healthy
	for _, r := range results {
		switch r.Status {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			status = Degraded
		}
	}
	return status
}

func timed(check func() CheckResult) CheckResult {
	started := time.Now()
	r := check()
	r.Duration = time.Since(started)
	return r
}

func queueSize(qs stats.QueueStats, th Thresholds) CheckResult {
	r := CheckResult{Verdict: Pass, Value: float64(qs.Waiting)}
	switch {
	case th.QueueSizeWarn <= 0:
		r.Message = "check disabled"
	case qs.Waiting > 2*th.QueueSizeWarn:
		r.Verdict = Fail
		r.Message = fmt.Sprintf("%d waiting jobs exceeds %d", qs.Waiting, 2*th.QueueSizeWarn)
	case qs.Waiting > th.QueueSizeWarn:
		r.Verdict = Warn
		r.Message = fmt.Sprintf("%d waiting jobs exceeds %d", qs.Waiting, th.QueueSizeWarn)
	default:
		r.Message = fmt.Sprintf("%d waiting jobs", qs.Waiting)
	}
	return r
}

func processingTime(qs stats.QueueStats, th Thresholds) CheckResult {
	avg := qs.AvgProcessingTime
	r := CheckResult{Verdict: Pass, Value: avg.Seconds()}
	switch {
	case th.ProcessingTimeWarn <= 0 && th.ProcessingTimeFail <= 0:
		r.Message = "check disabled"
	case th.ProcessingTimeFail > 0 && avg > th.ProcessingTimeFail:
		r.Verdict = Fail
		r.Message = fmt.Sprintf("average processing time %s exceeds %s", avg, th.ProcessingTimeFail)
	case th.ProcessingTimeWarn > 0 && avg > th.ProcessingTimeWarn:
		r.Verdict = Warn
		r.Message = fmt.Sprintf("average processing time %s exceeds %s", avg, th.ProcessingTimeWarn)
	default:
		r.Message = fmt.Sprintf("average processing time %s", avg)
	}
	return r
}

func errorRate(qs stats.QueueStats, th Thresholds) CheckResult {
	r := CheckResult{Verdict: Pass, Value: qs.ErrorRate}
	switch {
	case th.ErrorRateWarn <= 0 && th.ErrorRateFail <= 0:
		r.Message = "check disabled"
	case th.ErrorRateFail > 0 && qs.ErrorRate > th.ErrorRateFail:
		r.Verdict = Fail
		r.Message = fmt.Sprintf("error rate %.2f exceeds %.2f", qs.ErrorRate, th.ErrorRateFail)
	case th.ErrorRateWarn > 0 && qs.ErrorRate > th.ErrorRateWarn:
		r.Verdict = Warn
		r.Message = fmt.Sprintf("error rate %.2f exceeds %.2f", qs.ErrorRate, th.ErrorRateWarn)
	default:
		r.Message = fmt.Sprintf("error rate %.2f", qs.ErrorRate)
	}
	return r
}

func (c *Checker) memoryUsage() CheckResult {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heap := ms.HeapAlloc
	r := CheckResult{Verdict: Pass, Value: float64(heap)}
	switch {
	case c.cfg.MemoryFailBytes > 0 && heap > c.cfg.MemoryFailBytes:
		r.Verdict = Fail
		r.Message = fmt.Sprintf("heap %d bytes exceeds %d", heap, c.cfg.MemoryFailBytes)
	case c.cfg.MemoryWarnBytes > 0 && heap > c.cfg.MemoryWarnBytes:
		r.Verdict = Warn
		r.Message = fmt.Sprintf("heap %d bytes exceeds %d", heap, c.cfg.MemoryWarnBytes)
	default:
		r.Message = fmt.Sprintf("heap %d bytes", heap)
	}
	return r
}

func (c *Checker) storeConnectivity(ctx context.Context) CheckResult {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	if err := c.store.Ping(pingCtx); err != nil {
		return CheckResult{Verdict: Fail, Message: fmt.Sprintf("ping failed: %v", err)}
	}

	since := c.cfg.StoreFailingSince()
	if since.IsZero() {
		return CheckResult{Verdict: Pass, Message: "store reachable"}
	}

	failing := c.cfg.Now().Sub(since)
	r := CheckResult{Verdict: Warn, Value: failing.Seconds(),
		Message: fmt.Sprintf("workers retrying store calls for %s", failing.Round(time.Millisecond))}
	if failing > c.cfg.StoreFailAfter {
		r.Verdict = Fail
	}
	return r
}

func (c *Checker) staleJobs(ctx context.Context, queue string, staleAfter time.Duration) CheckResult {
	if staleAfter <= 0 {
		return CheckResult{Verdict: Pass, Message: "check disabled"}
	}

	active, err := c.store.List(ctx, queue, job.StatusActive, 0)
	if err != nil {
		return CheckResult{Verdict: Fail, Message: fmt.Sprintf("failed to list active jobs: %v", err)}
	}

	now := c.cfg.Now()
	stale := 0
	for _, j := range active {
		if j.StartedAt != nil && now.Sub(*j.StartedAt) > staleAfter {
			stale++
		}
	}

	r := CheckResult{Verdict: Pass, Value: float64(stale),
		Message: fmt.Sprintf("%d active jobs", len(active))}
	if stale > 0 {
		r.Verdict = Warn
		r.Message = fmt.Sprintf("%d active jobs running longer than %s, worker may have crashed", stale, staleAfter)
	}
	return r
}

// deadlock fails when no queue completed a job within the window while jobs
// wait. lastCompleted comes from the store, so completions by other
// processes count.
func (c *Checker) deadlock(totalWaiting int64, lastCompleted time.Time) CheckResult {
	if c.cfg.DeadlockWindow <= 0 {
		return CheckResult{Verdict: Pass, Message: "check disabled"}
	}

	silence := c.cfg.Now().Sub(lastCompleted)
	r := CheckResult{Verdict: Pass, Value: silence.Seconds(),
		Message: fmt.Sprintf("last completion %s ago", silence.Round(time.Second))}
	if totalWaiting > 0 && silence > c.cfg.DeadlockWindow {
		r.Verdict = Fail
		r.Message = fmt.Sprintf("no job completed in %s while %d jobs wait", silence.Round(time.Second), totalWaiting)
	}
	return r
}
