package alert

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/metrics"
)

// Type of metric an alert watches
type Type string

const (
	QueueSize      Type = "queue_size"
	ErrorRate      Type = "error_rate"
	ProcessingTime Type = "processing_time"
	MemoryUsage    Type = "memory_usage"
)

// Severity is fixed by the rule that raised the alert
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// ProcessWide is the queue name carried by memory alerts
const ProcessWide = "*"

// Rule raises an alert of Severity when the metric exceeds Threshold.
// Processing time is in seconds, memory usage in bytes.
type Rule struct {
	Type      Type     `yaml:"type" json:"type"`
	Threshold float64  `yaml:"threshold" json:"threshold"`
	Severity  Severity `yaml:"severity" json:"severity"`
}

// DefaultRules returns the rules used when none are configured
func DefaultRules() []Rule {
	return []Rule{
		{Type: QueueSize, Threshold: 1000, Severity: High},
		{Type: ErrorRate, Threshold: 0.1, Severity: High},
		{Type: ProcessingTime, Threshold: 30, Severity: Medium},
		{Type: MemoryUsage, Threshold: 512 << 20, Severity: Critical},
	}
}

// Alert is one raised (and possibly resolved) alert
type Alert struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Type         Type       `json:"type"`
	Severity     Severity   `json:"severity"`
	Threshold    float64    `json:"threshold"`
	CurrentValue float64    `json:"currentValue"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

type key struct {
	queue string
	typ   Type
}

type state struct {
	alert *Alert
	below int // consecutive evaluations under the threshold
}

// Options for a Manager
type Options struct {
	Rules []Rule
	// ResolveAfter is how many consecutive below-threshold evaluations
	// resolve an open alert. Defaults to 3.
	ResolveAfter int
	// HistorySize bounds the resolved alerts kept. Defaults to 100.
	HistorySize int
	Now         func() time.Time
}

// Manager tracks one alert state machine per (queue, type)
type Manager struct {
	rules        map[Type][]Rule // highest threshold first
	resolveAfter int
	historySize  int
	now          func() time.Time
	bus          *events.Bus

	mu      sync.Mutex
	open    map[key]*state
	history []Alert
}

// NewManager creates a Manager publishing to bus (which may be nil)
func NewManager(opts Options, bus *events.Bus) *Manager {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.ResolveAfter <= 0 {
		opts.ResolveAfter = 3
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rules := make(map[Type][]Rule)
	for _, r := range opts.Rules {
		rules[r.Type] = append(rules[r.Type], r)
	}
	for _, rs := range rules {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Threshold > rs[j].Threshold })
	}

	return &Manager{
		rules:        rules,
		resolveAfter: opts.ResolveAfter,
		historySize:  opts.HistorySize,
		now:          opts.Now,
		bus:          bus,
		open:         make(map[key]*state),
	}
}

// EvaluateHealth feeds the metrics carried by health results into the
// state machines
func (m *Manager) EvaluateHealth(results map[string]health.Result) {
	memory := -1.0
	for queue, r := range results {
		m.Evaluate(queue, map[Type]float64{
			QueueSize:      float64(r.Stats.Waiting),
			ErrorRate:      r.Stats.ErrorRate,
			ProcessingTime: r.Stats.AvgProcessingTime.Seconds(),
		})
		if check, ok := r.Checks[health.CheckMemoryUsage]; ok {
			memory = check.Value
		}
	}
	if memory >= 0 {
		m.Evaluate(ProcessWide, map[Type]float64{MemoryUsage: memory})
	}

	// a queue that vanished (cleared and unconfigured) holds no jobs, so
	// its open alerts see a zero observation and resolve in due course
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.open {
		if k.queue == ProcessWide {
			continue
		}
		if _, ok := results[k.queue]; !ok {
			m.evaluate(k, 0)
		}
	}
}

// Evaluate applies one observation per metric type for queue
func (m *Manager) Evaluate(queue string, values map[Type]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for typ, value := range values {
		m.evaluate(key{queue: queue, typ: typ}, value)
	}
}

// Called with mu held
func (m *Manager) evaluate(k key, value float64) {
	st, isOpen := m.open[k]

	if !isOpen {
		rule, crossed := m.crossedRule(k.typ, value)
		if !crossed {
			return
		}

		a := &Alert{
			ID:           uuid.New().String(),
			Queue:        k.queue,
			Type:         k.typ,
			Severity:     rule.Severity,
			Threshold:    rule.Threshold,
			CurrentValue: value,
			Message:      fmt.Sprintf("%s %s at %g exceeds %g", k.queue, k.typ, value, rule.Threshold),
			Timestamp:    m.now(),
		}
		m.open[k] = &state{alert: a}
		metrics.AlertsOpen.WithLabelValues(k.queue, string(k.typ)).Inc()

		log.Warn().Str("alert_id", a.ID).Str("queue", a.Queue).Str("type", string(a.Type)).
			Str("severity", string(a.Severity)).Float64("value", value).Float64("threshold", a.Threshold).
			Msg("alert raised")
		m.publish(events.AlertRaised, *a)
		return
	}

	st.alert.CurrentValue = value
	if value > st.alert.Threshold {
		st.below = 0
		return
	}

	st.below++
	if st.below < m.resolveAfter {
		return
	}

	resolvedAt := m.now()
	st.alert.Resolved = true
	st.alert.ResolvedAt = &resolvedAt
	delete(m.open, k)
	metrics.AlertsOpen.WithLabelValues(k.queue, string(k.typ)).Dec()

	m.history = append(m.history, *st.alert)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}

	log.Info().Str("alert_id", st.alert.ID).Str("queue", k.queue).Str("type", string(k.typ)).Msg("alert resolved")
	m.publish(events.AlertResolved, *st.alert)
}

// crossedRule picks the highest threshold the value exceeds
func (m *Manager) crossedRule(typ Type, value float64) (Rule, bool) {
	for _, r := range m.rules[typ] {
		if value > r.Threshold {
			return r, true
		}
	}
	return Rule{}, false
}

func (m *Manager) publish(t events.Type, a Alert) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, Queue: a.Queue, Payload: a, Timestamp: m.now()})
}

// Active returns open alerts, oldest first
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.open))
	for _, st := range m.open {
		out = append(out, *st.alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// History returns resolved alerts, most recent last
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}
