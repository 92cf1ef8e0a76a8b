package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsAddedTotal counts jobs accepted by AddJob
	JobsAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_added_total",
			Help: "Total number of jobs added",
		},
		[]string{"queue"},
	)

	// JobsStartedTotal counts ACTIVE episodes
	JobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_started_total",
			Help: "Total number of job attempts started",
		},
		[]string{"queue"},
	)

	// JobsCompletedTotal counts completed jobs
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)

	// JobsFailedTotal counts jobs that exhausted their attempts
	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_failed_total",
			Help: "Total number of jobs failed terminally",
		},
		[]string{"queue"},
	)

	// JobsRetriedTotal counts failed attempts scheduled for retry
	JobsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_retried_total",
			Help: "Total number of failed attempts scheduled for retry",
		},
		[]string{"queue", "kind"},
	)

	// JobsTimedOutTotal counts watchdog expiries
	JobsTimedOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_timed_out_total",
			Help: "Total number of handler invocations stopped by the watchdog",
		},
		[]string{"queue"},
	)

	// JobsStalledTotal counts ACTIVE jobs recovered from dead workers
	JobsStalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_jobs_stalled_total",
			Help: "Total number of stalled jobs recovered",
		},
		[]string{"queue"},
	)

	// ProcessingSeconds observes handler durations of completed jobs
	ProcessingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_job_processing_seconds",
			Help:    "Processing time of completed jobs",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"queue"},
	)

	// Jobs gauge for jobs per status
	Jobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_jobs",
			Help: "Number of jobs per status",
		},
		[]string{"queue", "status"},
	)

	// StoreErrorsTotal counts store calls that failed as unavailable
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_store_errors_total",
			Help: "Total number of store calls that failed",
		},
		[]string{"op"},
	)

	// WALSegments gauge for WAL segment count
	WALSegments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_wal_segments",
			Help: "Number of WAL segments",
		},
	)

	// WALSizeBytes gauge for total WAL size
	WALSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_wal_size_bytes",
			Help: "Total size of WAL in bytes",
		},
	)

	// RateLimitRejections counts rate limit rejections
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_rate_limit_rejections_total",
			Help: "Total number of jobs rejected due to rate limiting",
		},
		[]string{"queue"},
	)

	// HealthStatus is 0 healthy, 1 degraded, 2 unhealthy
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_health_status",
			Help: "Health status per queue (0 healthy, 1 degraded, 2 unhealthy)",
		},
		[]string{"queue"},
	)

	// AlertsOpen gauge for unresolved alerts
	AlertsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_alerts_open",
			Help: "Number of open alerts",
		},
		[]string{"queue", "type"},
	)

	// EventsDroppedTotal counts events a slow subscriber missed
	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayq_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)
)
