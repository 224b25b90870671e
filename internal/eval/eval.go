// Package eval turns signal values into hypothesis probabilities.
//
// The model is logistic: each hypothesis has a prior, and every bound signal
// shifts the log-odds by weight · value. The point estimate is deterministic;
// an optional Monte Carlo pass treats each signal value as a Bernoulli
// probability and reports the mean and 5th–95th percentile band of the
// simulated probabilities.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/worldpam/worldpam/internal/bus"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/metrics"
	"github.com/worldpam/worldpam/internal/signal"
	"github.com/worldpam/worldpam/internal/storage"
)

// ErrUnknownHypothesis is returned for hypothesis names absent from the graph.
var ErrUnknownHypothesis = errors.New("eval: unknown hypothesis")

// MaxTrials bounds a Monte Carlo request.
const MaxTrials = 10000

// probEpsilon keeps priors away from the logit singularities.
const probEpsilon = 1e-9

// SignalComputer supplies signal values; satisfied by signal.Computer.
type SignalComputer interface {
	Compute(ctx context.Context, name, country string) (signal.Result, error)
}

// Contribution is one signal's pull on the hypothesis log-odds.
type Contribution struct {
	Signal string  `json:"signal"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
	Delta  float64 `json:"delta"` // weight · value
}

// MonteCarlo summarizes a simulation pass: the arithmetic mean of the
// simulated probabilities and their 5th–95th percentile band.
type MonteCarlo struct {
	Mean   float64 `json:"mean"`
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`
	Trials int     `json:"trials"`
}

// Evaluation is a full hypothesis result. MonteCarlo is nil for a
// deterministic evaluation (trials = 0).
type Evaluation struct {
	Hypothesis    string         `json:"hypothesis"`
	Country       string         `json:"country,omitempty"`
	Prior         float64        `json:"prior"`
	Probability   float64        `json:"probability"`
	MonteCarlo    *MonteCarlo    `json:"monte_carlo,omitempty"`
	Contributions []Contribution `json:"contributions"`
	EvaluatedAt   time.Time      `json:"evaluated_at"`
}

// Evaluator computes hypothesis probabilities from live signals.
type Evaluator struct {
	graph   *config.Graph
	signals SignalComputer
	store   *storage.Store
	events  *bus.Bus
	metrics *metrics.Collector
	logger  *slog.Logger

	rng *rand.Rand
	now func() time.Time
}

// Option adjusts an Evaluator.
type Option func(*Evaluator)

// WithRand fixes the Monte Carlo random source, making simulations
// reproducible.
func WithRand(r *rand.Rand) Option {
	return func(e *Evaluator) { e.rng = r }
}

// New creates an Evaluator. store and events may be nil for one-shot CLI use.
func New(graph *config.Graph, signals SignalComputer, store *storage.Store,
	events *bus.Bus, m *metrics.Collector, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		graph:   graph,
		signals: signals,
		store:   store,
		events:  events,
		metrics: m,
		logger:  logger,
		rng: rand.New(rand.NewPCG(
			uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano()>>32))),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate computes the hypothesis probability. trials > 0 additionally runs
// that many Monte Carlo simulations for the confidence band; trials is capped
// at MaxTrials.
func (e *Evaluator) Evaluate(ctx context.Context, name, country string, trials int) (Evaluation, error) {
	hyp, ok := e.graph.Hypothesis(name)
	if !ok {
		return Evaluation{}, fmt.Errorf("%w: %q", ErrUnknownHypothesis, name)
	}
	if trials > MaxTrials {
		trials = MaxTrials
	}

	done := e.metrics.StartTimer("hypothesis_eval", map[string]string{"hypothesis": name})
	defer done()

	contributions := make([]Contribution, 0, len(hyp.Signals))
	for _, sigName := range hyp.Signals {
		def, ok := e.graph.Signal(sigName)
		if !ok {
			continue
		}
		res, err := e.signals.Compute(ctx, sigName, country)
		if err != nil {
			return Evaluation{}, fmt.Errorf("eval: signal %q: %w", sigName, err)
		}
		contributions = append(contributions, Contribution{
			Signal: sigName,
			Value:  res.Value,
			Weight: def.Weight,
			Delta:  def.Weight * res.Value,
		})
	}

	base := logit(hyp.Prior)
	shift := 0.0
	for _, c := range contributions {
		shift += c.Delta
	}
	probability := sigmoid(base + shift)

	out := Evaluation{
		Hypothesis:    name,
		Country:       country,
		Prior:         hyp.Prior,
		Probability:   probability,
		Contributions: contributions,
		EvaluatedAt:   e.now().UTC(),
	}
	if trials > 0 {
		mean, lo, hi := e.simulate(base, contributions, trials)
		out.MonteCarlo = &MonteCarlo{Mean: mean, CILow: lo, CIHigh: hi, Trials: trials}
	}

	e.persist(ctx, out)
	return out, nil
}

// EvaluateAll evaluates every hypothesis in the graph.
func (e *Evaluator) EvaluateAll(ctx context.Context, country string, trials int) (map[string]Evaluation, error) {
	results := make(map[string]Evaluation, len(e.graph.Hypotheses))
	for _, hyp := range e.graph.Hypotheses {
		ev, err := e.Evaluate(ctx, hyp.Name, country, trials)
		if err != nil {
			return nil, err
		}
		results[hyp.Name] = ev
	}
	return results, nil
}

// simulate treats each signal value as a Bernoulli probability: a trial draws
// each signal fully on or fully off. It reports the arithmetic mean of the
// simulated probabilities and their 5th and 95th percentiles (nearest-rank).
func (e *Evaluator) simulate(base float64, contributions []Contribution, trials int) (mean, lo, hi float64) {
	samples := make([]float64, trials)
	sum := 0.0
	for i := range samples {
		shift := 0.0
		for _, c := range contributions {
			p := math.Min(math.Max(c.Value, 0), 1)
			if e.rng.Float64() < p {
				shift += c.Weight
			}
		}
		samples[i] = sigmoid(base + shift)
		sum += samples[i]
	}
	sort.Float64s(samples)

	loIdx := int(0.05 * float64(trials))
	hiIdx := int(0.95 * float64(trials))
	if hiIdx >= trials {
		hiIdx = trials - 1
	}
	return sum / float64(trials), samples[loIdx], samples[hiIdx]
}

func (e *Evaluator) persist(ctx context.Context, ev Evaluation) {
	if e.store != nil {
		rec := storage.HypothesisEval{
			HypothesisName: ev.Hypothesis,
			Probability:    ev.Probability,
			Country:        ev.Country,
			EvaluatedAt:    ev.EvaluatedAt,
		}
		if mc := ev.MonteCarlo; mc != nil {
			rec.MCMean, rec.CILow, rec.CIHigh = &mc.Mean, &mc.CILow, &mc.CIHigh
			rec.Trials = mc.Trials
		}
		if _, err := e.store.StoreHypothesisEval(ctx, rec); err != nil {
			e.logger.Warn("evaluation persistence failed",
				slog.String("hypothesis", ev.Hypothesis), slog.Any("error", err))
		}
	}
	if e.events != nil {
		update := bus.EvaluationUpdate{
			Hypothesis:  ev.Hypothesis,
			Probability: ev.Probability,
			Country:     ev.Country,
			At:          ev.EvaluatedAt,
		}
		if mc := ev.MonteCarlo; mc != nil {
			update.MCMean, update.CILow, update.CIHigh = &mc.Mean, &mc.CILow, &mc.CIHigh
		}
		e.events.Publish(update)
	}
}

// logit maps a probability to log-odds, clamping away from 0 and 1.
func logit(p float64) float64 {
	p = math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
