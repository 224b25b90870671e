package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldpam/worldpam/internal/bus"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []bus.Alert
	err    error
}

func (n *recordingNotifier) Notify(a bus.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func newEngine(t *testing.T, notifiers ...Notifier) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New(slog.New(slog.DiscardHandler))
	e := New(b, slog.New(slog.DiscardHandler), notifiers...)
	e.Start()
	return e, b
}

func TestAddRuleValidation(t *testing.T) {
	e, _ := newEngine(t)

	assert.NoError(t, e.AddRule(Rule{
		Name: "war_high", Hypothesis: "global_war_risk",
		Condition: ConditionGreaterThan, Threshold: 0.2,
	}))
	assert.Error(t, e.AddRule(Rule{Name: "bad_cond", Hypothesis: "h", Condition: "between"}))
	assert.Error(t, e.AddRule(Rule{Hypothesis: "h", Condition: ConditionGreaterThan}))
	assert.Error(t, e.AddRule(Rule{Name: "both", Hypothesis: "h", Signal: "s",
		Condition: ConditionGreaterThan}))
	assert.Error(t, e.AddRule(Rule{Name: "neither", Condition: ConditionGreaterThan}))
}

func TestGreaterThanTriggers(t *testing.T) {
	n := &recordingNotifier{}
	e, b := newEngine(t, n)
	require.NoError(t, e.AddRule(Rule{
		Name: "war_high", Hypothesis: "global_war_risk",
		Condition: ConditionGreaterThan, Threshold: 0.2,
	}))

	b.Publish(bus.EvaluationUpdate{Hypothesis: "global_war_risk", Probability: 0.15})
	b.Publish(bus.EvaluationUpdate{Hypothesis: "global_war_risk", Probability: 0.25})
	b.Publish(bus.EvaluationUpdate{Hypothesis: "civil_war_risk", Probability: 0.9})
	b.Close()

	require.Equal(t, 1, n.count())
	a := n.alerts[0]
	assert.Equal(t, "war_high", a.Rule)
	assert.NotEmpty(t, a.ID)
	assert.InDelta(t, 0.25, a.Value, 1e-9)

	recent := e.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, a.ID, recent[0].ID)
}

func TestChangeConditionBaseline(t *testing.T) {
	n := &recordingNotifier{}
	e, b := newEngine(t, n)
	require.NoError(t, e.AddRule(Rule{
		Name: "conflict_jump", Signal: "armed_conflict_event",
		Condition: ConditionChange, Threshold: 0.2,
	}))

	// First observation is the baseline, never a trigger.
	b.Publish(bus.SignalUpdate{Signal: "armed_conflict_event", Value: 0.5})
	// Small move: no trigger.
	b.Publish(bus.SignalUpdate{Signal: "armed_conflict_event", Value: 0.6})
	// Big move: trigger.
	b.Publish(bus.SignalUpdate{Signal: "armed_conflict_event", Value: 0.1})
	b.Close()

	require.Equal(t, 1, n.count())
	assert.Equal(t, "conflict_jump", n.alerts[0].Rule)
	assert.Len(t, e.Recent(0), 1)
}

func TestLessThanAndEquals(t *testing.T) {
	n := &recordingNotifier{}
	e, b := newEngine(t, n)
	require.NoError(t, e.AddRule(Rule{
		Name: "calm", Hypothesis: "h", Condition: ConditionLessThan, Threshold: 0.02,
	}))
	require.NoError(t, e.AddRule(Rule{
		Name: "exact", Hypothesis: "h", Condition: ConditionEquals, Threshold: 0.5,
	}))

	b.Publish(bus.EvaluationUpdate{Hypothesis: "h", Probability: 0.01})
	b.Publish(bus.EvaluationUpdate{Hypothesis: "h", Probability: 0.5})
	b.Close()

	require.Equal(t, 2, n.count())
	assert.Equal(t, "calm", n.alerts[0].Rule)
	assert.Equal(t, "exact", n.alerts[1].Rule)
	assert.Len(t, e.Recent(0), 2)
}

func TestSeverityLadder(t *testing.T) {
	tests := []struct {
		value, threshold float64
		want             string
	}{
		{0.35, 0.2, SeverityCritical}, // distance 0.75
		{0.28, 0.2, SeverityHigh},     // distance 0.4
		{0.23, 0.2, SeverityMedium},   // distance 0.15
		{0.21, 0.2, SeverityLow},      // distance 0.05
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f_vs_%.2f", tt.value, tt.threshold), func(t *testing.T) {
			assert.Equal(t, tt.want, Severity(tt.value, tt.threshold))
		})
	}

	// Zero threshold does not divide by zero.
	assert.Equal(t, SeverityCritical, Severity(0.5, 0))
}

func TestNotifierFailureIsContained(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("smtp down")}
	good := &recordingNotifier{}
	e, b := newEngine(t, bad, good)
	require.NoError(t, e.AddRule(Rule{
		Name: "r", Hypothesis: "h", Condition: ConditionGreaterThan, Threshold: 0.1,
	}))

	b.Publish(bus.EvaluationUpdate{Hypothesis: "h", Probability: 0.9})
	b.Close()

	assert.Equal(t, 1, good.count(), "healthy notifier still runs")
	assert.Len(t, e.Recent(0), 1, "alert retained despite notifier failure")
}

func TestAlertsRepublishedOnBus(t *testing.T) {
	e, b := newEngine(t)

	var (
		mu   sync.Mutex
		seen []bus.Alert
	)
	b.Subscribe(bus.TypeAlert, func(ev bus.Event) {
		mu.Lock()
		seen = append(seen, ev.(bus.Alert))
		mu.Unlock()
	})
	require.NoError(t, e.AddRule(Rule{
		Name: "r", Hypothesis: "h", Condition: ConditionGreaterThan, Threshold: 0.1,
	}))

	b.Publish(bus.EvaluationUpdate{Hypothesis: "h", Probability: 0.9})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "r", seen[0].Rule)
}

func TestRecentRingIsBounded(t *testing.T) {
	e, b := newEngine(t)
	require.NoError(t, e.AddRule(Rule{
		Name: "r", Hypothesis: "h", Condition: ConditionGreaterThan, Threshold: 0,
	}))

	for i := 0; i < historySize+50; i++ {
		e.observeHypothesis("h", 0.5)
	}
	b.Close()

	recent := e.Recent(0)
	assert.Len(t, recent, historySize)

	limited := e.Recent(5)
	assert.Len(t, limited, 5)
}

func TestDisabledRuleDoesNotFire(t *testing.T) {
	n := &recordingNotifier{}
	e, b := newEngine(t, n)
	require.NoError(t, e.AddRule(Rule{
		Name: "r", Hypothesis: "h", Condition: ConditionGreaterThan, Threshold: 0.1,
	}))

	rules := e.Rules()
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Enabled, "rules are added enabled")

	require.NoError(t, e.SetEnabled("r", false))
	e.observeHypothesis("h", 0.9)

	require.NoError(t, e.SetEnabled("r", true))
	e.observeHypothesis("h", 0.9)
	b.Close()

	require.Equal(t, 1, n.count(), "only the re-enabled observation fires")
	assert.Len(t, e.Rules(), 1, "disabling keeps the rule registered")
	assert.Error(t, e.SetEnabled("nope", true))
}

func TestRemoveRule(t *testing.T) {
	n := &recordingNotifier{}
	e, b := newEngine(t, n)
	require.NoError(t, e.AddRule(Rule{
		Name: "r", Hypothesis: "h", Condition: ConditionGreaterThan, Threshold: 0.1,
	}))
	require.Len(t, e.Rules(), 1)

	e.RemoveRule("r")
	assert.Empty(t, e.Rules())

	b.Publish(bus.EvaluationUpdate{Hypothesis: "h", Probability: 0.9})
	b.Close()
	assert.Zero(t, n.count())
}
