// Package alert watches evaluation and signal updates on the event bus and
// raises alerts when configured rules trigger. Recent alerts are retained in
// a bounded ring; notifiers are best-effort and can never break evaluation.
package alert

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worldpam/worldpam/internal/bus"
)

// Rule conditions.
const (
	ConditionGreaterThan = "greater_than"
	ConditionLessThan    = "less_than"
	ConditionEquals      = "equals"
	ConditionChange      = "change"
)

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	// historySize bounds the retained alert ring.
	historySize = 1000

	equalsEpsilon = 1e-9
)

// Rule triggers an alert when an observed value satisfies its condition.
// Exactly one of Hypothesis or Signal names the watched quantity. For the
// change condition, Threshold is the minimum absolute delta since the last
// observed value. Disabled rules stay registered but never fire.
type Rule struct {
	Name       string  `json:"name"`
	Hypothesis string  `json:"hypothesis,omitempty"`
	Signal     string  `json:"signal,omitempty"`
	Condition  string  `json:"condition"`
	Threshold  float64 `json:"threshold"`
	Enabled    bool    `json:"enabled"`
}

// Notifier receives triggered alerts. Errors are logged and ignored.
type Notifier interface {
	Notify(bus.Alert) error
}

// Engine evaluates rules against bus traffic.
type Engine struct {
	events    *bus.Bus
	logger    *slog.Logger
	notifiers []Notifier

	mu       sync.Mutex
	rules    map[string]Rule
	lastSeen map[string]float64
	history  []bus.Alert
}

// New creates an Engine. Call Start to begin watching the bus.
func New(events *bus.Bus, logger *slog.Logger, notifiers ...Notifier) *Engine {
	return &Engine{
		events:    events,
		logger:    logger,
		notifiers: notifiers,
		rules:     make(map[string]Rule),
		lastSeen:  make(map[string]float64),
	}
}

// AddRule registers or replaces a rule. Rules are added enabled; use
// SetEnabled to pause one.
func (e *Engine) AddRule(r Rule) error {
	switch r.Condition {
	case ConditionGreaterThan, ConditionLessThan, ConditionEquals, ConditionChange:
	default:
		return fmt.Errorf("alert: invalid condition %q", r.Condition)
	}
	if r.Name == "" {
		return fmt.Errorf("alert: rule missing name")
	}
	if (r.Hypothesis == "") == (r.Signal == "") {
		return fmt.Errorf("alert: rule %q must watch exactly one of hypothesis or signal", r.Name)
	}
	r.Enabled = true
	e.mu.Lock()
	e.rules[r.Name] = r
	e.mu.Unlock()
	return nil
}

// RemoveRule drops a rule by name.
func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	delete(e.rules, name)
	e.mu.Unlock()
}

// SetEnabled toggles a rule without losing its configuration.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("alert: unknown rule %q", name)
	}
	r.Enabled = enabled
	e.rules[name] = r
	return nil
}

// Rules returns a snapshot of the registered rules.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// Start subscribes the engine to evaluation and signal updates.
func (e *Engine) Start() {
	e.events.Subscribe(bus.TypeEvaluationUpdate, func(ev bus.Event) {
		update := ev.(bus.EvaluationUpdate)
		e.observeHypothesis(update.Hypothesis, update.Probability)
	})
	e.events.Subscribe(bus.TypeSignalUpdate, func(ev bus.Event) {
		update := ev.(bus.SignalUpdate)
		e.observeSignal(update.Signal, update.Value)
	})
}

func (e *Engine) observeHypothesis(name string, value float64) {
	e.observe("hypothesis:"+name, value, func(r Rule) bool { return r.Hypothesis == name })
}

func (e *Engine) observeSignal(name string, value float64) {
	e.observe("signal:"+name, value, func(r Rule) bool { return r.Signal == name })
}

func (e *Engine) observe(key string, value float64, matches func(Rule) bool) {
	e.mu.Lock()
	prev, seen := e.lastSeen[key]
	e.lastSeen[key] = value
	var triggered []bus.Alert
	for _, r := range e.rules {
		if !r.Enabled || !matches(r) {
			continue
		}
		if r.Condition == ConditionChange && !seen {
			// First observation establishes the change baseline.
			continue
		}
		if !satisfied(r, value, prev) {
			continue
		}
		triggered = append(triggered, e.buildAlert(r, value))
	}
	for _, a := range triggered {
		e.history = append(e.history, a)
		if len(e.history) > historySize {
			e.history = e.history[len(e.history)-historySize:]
		}
	}
	e.mu.Unlock()

	for _, a := range triggered {
		e.dispatch(a)
	}
}

func satisfied(r Rule, value, prev float64) bool {
	switch r.Condition {
	case ConditionGreaterThan:
		return value > r.Threshold
	case ConditionLessThan:
		return value < r.Threshold
	case ConditionEquals:
		return math.Abs(value-r.Threshold) < equalsEpsilon
	case ConditionChange:
		return math.Abs(value-prev) >= r.Threshold
	}
	return false
}

func (e *Engine) buildAlert(r Rule, value float64) bus.Alert {
	severity := Severity(value, r.Threshold)
	watched := r.Hypothesis
	if watched == "" {
		watched = r.Signal
	}
	return bus.Alert{
		ID:         uuid.NewString(),
		Rule:       r.Name,
		Severity:   severity,
		Message:    fmt.Sprintf("%s: %s is %.4f (threshold %.4f)", r.Name, watched, value, r.Threshold),
		Hypothesis: r.Hypothesis,
		Value:      value,
		Threshold:  r.Threshold,
		At:         time.Now().UTC(),
	}
}

func (e *Engine) dispatch(a bus.Alert) {
	e.events.Publish(a)
	e.logger.Warn("alert triggered",
		slog.String("rule", a.Rule),
		slog.String("severity", a.Severity),
		slog.Float64("value", a.Value))
	for _, n := range e.notifiers {
		if err := n.Notify(a); err != nil {
			e.logger.Warn("alert notifier failed", slog.Any("error", err))
		}
	}
}

// Recent returns up to limit retained alerts, newest first. limit <= 0
// returns the whole ring.
func (e *Engine) Recent(limit int) []bus.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]bus.Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.history[n-1-i]
	}
	return out
}

// Severity grades how far a value overshoots its threshold, relative to the
// threshold itself.
func Severity(value, threshold float64) string {
	distance := math.Abs(value-threshold) / math.Max(threshold, equalsEpsilon)
	switch {
	case distance > 0.5:
		return SeverityCritical
	case distance > 0.3:
		return SeverityHigh
	case distance > 0.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
