package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/events"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/stats"
)

func TestAlertLifecycle(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(10, events.AlertRaised, events.AlertResolved)

	m := NewManager(Options{
		Rules:        []Rule{{Type: QueueSize, Threshold: 5, Severity: High}},
		ResolveAfter: 2,
	}, bus)

	m.Evaluate("emails", map[Type]float64{QueueSize: 3})
	assert.Empty(t, m.Active())

	m.Evaluate("emails", map[Type]float64{QueueSize: 10})
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, High, active[0].Severity)
	assert.Equal(t, float64(10), active[0].CurrentValue)
	assert.NotEmpty(t, active[0].ID)

	// Still crossed: same alert, updated value
	m.Evaluate("emails", map[Type]float64{QueueSize: 12})
	require.Len(t, m.Active(), 1)
	assert.Equal(t, active[0].ID, m.Active()[0].ID)
	assert.Equal(t, float64(12), m.Active()[0].CurrentValue)

	// One dip is not enough to resolve
	m.Evaluate("emails", map[Type]float64{QueueSize: 2})
	require.Len(t, m.Active(), 1)

	// Re-crossing resets the counter
	m.Evaluate("emails", map[Type]float64{QueueSize: 7})
	m.Evaluate("emails", map[Type]float64{QueueSize: 2})
	require.Len(t, m.Active(), 1)

	m.Evaluate("emails", map[Type]float64{QueueSize: 1})
	assert.Empty(t, m.Active())

	history := m.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)
	require.NotNil(t, history[0].ResolvedAt)

	raised := <-sub.C()
	assert.Equal(t, events.AlertRaised, raised.Type)
	resolved := <-sub.C()
	assert.Equal(t, events.AlertResolved, resolved.Type)
	assert.Equal(t, "emails", resolved.Payload.(Alert).Queue)
}

func TestSeverityTiers(t *testing.T) {
	m := NewManager(Options{Rules: []Rule{
		{Type: ErrorRate, Threshold: 0.1, Severity: Medium},
		{Type: ErrorRate, Threshold: 0.5, Severity: Critical},
	}}, nil)

	m.Evaluate("a", map[Type]float64{ErrorRate: 0.2})
	m.Evaluate("b", map[Type]float64{ErrorRate: 0.9})

	bySeverity := map[string]Severity{}
	for _, a := range m.Active() {
		bySeverity[a.Queue] = a.Severity
	}
	assert.Equal(t, Medium, bySeverity["a"])
	assert.Equal(t, Critical, bySeverity["b"])
}

func TestEvaluateHealth(t *testing.T) {
	m := NewManager(Options{Rules: []Rule{
		{Type: QueueSize, Threshold: 5, Severity: Low},
		{Type: MemoryUsage, Threshold: 100, Severity: Critical},
	}}, nil)

	m.EvaluateHealth(map[string]health.Result{
		"emails": {
			Stats:  stats.QueueStats{Waiting: 10},
			Checks: map[string]health.CheckResult{health.CheckMemoryUsage: {Value: 1000}},
		},
	})

	active := m.Active()
	require.Len(t, active, 2)
	queues := []string{active[0].Queue, active[1].Queue}
	assert.ElementsMatch(t, []string{"emails", ProcessWide}, queues)
}

func TestVanishedQueueResolves(t *testing.T) {
	m := NewManager(Options{
		Rules:        []Rule{{Type: QueueSize, Threshold: 2, Severity: Medium}},
		ResolveAfter: 2,
	}, nil)

	m.EvaluateHealth(map[string]health.Result{"emails": {Stats: stats.QueueStats{Waiting: 5}}})
	require.Len(t, m.Active(), 1)

	// the queue was cleared and no longer shows up in health results
	m.EvaluateHealth(map[string]health.Result{"reports": {}})
	require.Len(t, m.Active(), 1)
	assert.Zero(t, m.Active()[0].CurrentValue)

	m.EvaluateHealth(map[string]health.Result{})
	assert.Empty(t, m.Active())

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, "emails", history[0].Queue)
}

func TestHistoryBounded(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(Options{
		Rules:        []Rule{{Type: QueueSize, Threshold: 1, Severity: Low}},
		ResolveAfter: 1,
		HistorySize:  2,
		Now:          func() time.Time { return clock },
	}, nil)

	for i := 0; i < 5; i++ {
		m.Evaluate("q", map[Type]float64{QueueSize: 2})
		m.Evaluate("q", map[Type]float64{QueueSize: 0})
	}
	assert.Len(t, m.History(), 2)
}
