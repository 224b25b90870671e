package eval

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/metrics"
	"github.com/worldpam/worldpam/internal/signal"
)

// fakeSignals returns fixed signal values.
type fakeSignals struct {
	values map[string]float64
}

func (f *fakeSignals) Compute(_ context.Context, name, _ string) (signal.Result, error) {
	return signal.Result{Signal: name, Value: f.values[name]}, nil
}

func evalGraph() *config.Graph {
	return &config.Graph{
		Signals: []config.SignalDef{
			{Name: "armed_conflict_event", Weight: 2.0, Aggregation: "sum", Cap: 1.0},
			{Name: "mobilization", Weight: 1.5, Aggregation: "sum", Cap: 1.0},
		},
		Hypotheses: []config.HypothesisDef{
			{Name: "global_war_risk", Prior: 0.05,
				Signals: []string{"armed_conflict_event", "mobilization"}},
			{Name: "nuclear_use_risk", Prior: 0.01, Signals: []string{"armed_conflict_event"}},
		},
	}
}

func newEvaluator(g *config.Graph, sig SignalComputer, opts ...Option) *Evaluator {
	return New(g, sig, nil, nil, metrics.New(), slog.New(slog.DiscardHandler), opts...)
}

func TestLogitSigmoid(t *testing.T) {
	assert.InDelta(t, 0.0, logit(0.5), 1e-12)
	assert.InDelta(t, 0.5, sigmoid(0), 1e-12)
	assert.InDelta(t, 0.25, sigmoid(logit(0.25)), 1e-9, "round trip")

	// Degenerate priors are clamped, not infinite.
	assert.False(t, math.IsInf(logit(0), -1))
	assert.False(t, math.IsInf(logit(1), 1))
}

func TestPointEstimate(t *testing.T) {
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{
		"armed_conflict_event": 2 / math.Sqrt(20), // ≈ 0.4472
		"mobilization":         0,
	}})

	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 0)
	require.NoError(t, err)

	// logit(0.05) + 2.0·0.4472 ≈ -2.0500 → ≈ 0.114
	assert.InDelta(t, 0.114, ev.Probability, 0.001)
	assert.Equal(t, 0.05, ev.Prior)
	assert.Nil(t, ev.MonteCarlo, "deterministic evaluation carries no band")
}

func TestZeroSignalsYieldPrior(t *testing.T) {
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{}})

	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, ev.Probability, 1e-9)
}

func TestContributions(t *testing.T) {
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{
		"armed_conflict_event": 0.5,
		"mobilization":         0.2,
	}})

	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 0)
	require.NoError(t, err)
	require.Len(t, ev.Contributions, 2)
	assert.Equal(t, "armed_conflict_event", ev.Contributions[0].Signal)
	assert.InDelta(t, 1.0, ev.Contributions[0].Delta, 1e-9)
	assert.InDelta(t, 0.3, ev.Contributions[1].Delta, 1e-9)
}

func TestMonteCarloBand(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{
		"armed_conflict_event": 0.5,
		"mobilization":         0.1,
	}}, WithRand(rng))

	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 2000)
	require.NoError(t, err)
	mc := ev.MonteCarlo
	require.NotNil(t, mc)
	assert.Equal(t, 2000, mc.Trials)
	assert.LessOrEqual(t, mc.CILow, mc.CIHigh)
	assert.GreaterOrEqual(t, mc.CILow, 0.0)
	assert.LessOrEqual(t, mc.CIHigh, 1.0)
	assert.GreaterOrEqual(t, mc.Mean, mc.CILow)
	assert.LessOrEqual(t, mc.Mean, mc.CIHigh)

	// With conflict at 0.5, trials split between prior-only and prior+2.0;
	// the band must span the point estimate's neighborhood.
	assert.Less(t, mc.CILow, ev.Probability)
	assert.Greater(t, mc.CIHigh, ev.Probability)
}

func TestMonteCarloMeanMatchesExpectation(t *testing.T) {
	// One signal at value 0.5 and weight 2: half the trials land on the prior,
	// half on prior shifted by 2, so the expected simulated probability is the
	// midpoint of the two outcomes.
	graph := &config.Graph{
		Signals: []config.SignalDef{
			{Name: "armed_conflict_event", Weight: 2.0, Aggregation: "sum", Cap: 1.0},
		},
		Hypotheses: []config.HypothesisDef{
			{Name: "global_war_risk", Prior: 0.1, Signals: []string{"armed_conflict_event"}},
		},
	}
	e := newEvaluator(graph, &fakeSignals{values: map[string]float64{
		"armed_conflict_event": 0.5,
	}}, WithRand(rand.New(rand.NewPCG(11, 3))))

	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 5000)
	require.NoError(t, err)
	mc := ev.MonteCarlo
	require.NotNil(t, mc)

	want := 0.5*sigmoid(logit(0.1)) + 0.5*sigmoid(logit(0.1)+2)
	assert.InDelta(t, want, mc.Mean, 0.02)
	assert.LessOrEqual(t, mc.CILow, mc.Mean)
	assert.GreaterOrEqual(t, mc.CIHigh, mc.Mean)
}

func TestMonteCarloDeterministicWithSeed(t *testing.T) {
	values := map[string]float64{"armed_conflict_event": 0.4, "mobilization": 0.3}

	run := func() Evaluation {
		e := newEvaluator(evalGraph(), &fakeSignals{values: values},
			WithRand(rand.New(rand.NewPCG(7, 7))))
		ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 500)
		require.NoError(t, err)
		return ev
	}
	a, b := run(), run()
	require.NotNil(t, a.MonteCarlo)
	require.NotNil(t, b.MonteCarlo)
	assert.Equal(t, *a.MonteCarlo, *b.MonteCarlo)
}

func TestMonteCarloDegenerateSignals(t *testing.T) {
	// All-zero signals: every trial lands exactly on the prior.
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{}},
		WithRand(rand.New(rand.NewPCG(1, 1))))

	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 100)
	require.NoError(t, err)
	require.NotNil(t, ev.MonteCarlo)
	assert.InDelta(t, 0.05, ev.MonteCarlo.Mean, 1e-9)
	assert.InDelta(t, 0.05, ev.MonteCarlo.CILow, 1e-9)
	assert.InDelta(t, 0.05, ev.MonteCarlo.CIHigh, 1e-9)
}

func TestTrialsCapped(t *testing.T) {
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{}})
	ev, err := e.Evaluate(context.Background(), "global_war_risk", "", 50000)
	require.NoError(t, err)
	require.NotNil(t, ev.MonteCarlo)
	assert.Equal(t, MaxTrials, ev.MonteCarlo.Trials)
}

func TestUnknownHypothesis(t *testing.T) {
	e := newEvaluator(evalGraph(), &fakeSignals{})
	_, err := e.Evaluate(context.Background(), "asteroid_strike", "", 0)
	assert.ErrorIs(t, err, ErrUnknownHypothesis)
}

func TestEvaluateAll(t *testing.T) {
	e := newEvaluator(evalGraph(), &fakeSignals{values: map[string]float64{}})
	results, err := e.EvaluateAll(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.05, results["global_war_risk"].Probability, 1e-9)
	assert.InDelta(t, 0.01, results["nuclear_use_risk"].Probability, 1e-9)
}
