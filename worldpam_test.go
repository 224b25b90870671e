package worldpam

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldpam/worldpam/internal/alert"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/fetch"
)

type cannedFetcher struct{}

func (cannedFetcher) Fetch(_ context.Context, _ config.Source) ([]byte, error) {
	return []byte(`<rss><channel><item><title>invasion reported</title></item></channel></rss>`), nil
}

func (f cannedFetcher) FetchAll(ctx context.Context, sources []config.Source, _ int) []fetch.Result {
	results := make([]fetch.Result, len(sources))
	for i, src := range sources {
		body, err := f.Fetch(ctx, src)
		results[i] = fetch.Result{Source: src, Body: body, Err: err}
	}
	return results
}

func testGraph() *config.Graph {
	return &config.Graph{
		Sources: []config.Source{
			{Name: "src_a", URL: "https://a.example.com/feed", Kind: "rss", Timeout: 10},
		},
		Signals: []config.SignalDef{
			{Name: "armed_conflict_event", Weight: 2.0, Aggregation: "sum", Cap: 1.0},
		},
		Hypotheses: []config.HypothesisDef{
			{Name: "global_war_risk", Prior: 0.05, Signals: []string{"armed_conflict_event"}},
		},
		KeywordSets: map[string][]string{"war_terms": {"invasion"}},
		Bindings: map[string]config.Binding{
			"armed_conflict_event": {Sources: []string{"src_a"},
				KeywordSets: []string{"war_terms"}, WindowDays: 7},
		},
	}
}

func TestNewWiresApp(t *testing.T) {
	app, err := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithGraph(testGraph()),
		WithFetcher(cannedFetcher{}),
		WithDBPath(filepath.Join(t.TempDir(), "app.db")),
	)
	require.NoError(t, err)
	t.Cleanup(app.shutdown)

	assert.NotNil(t, app.store)
	assert.NotNil(t, app.signals)
	assert.NotNil(t, app.evaluator)
	assert.NotNil(t, app.alerts)
	assert.NotNil(t, app.stream)
	assert.NotNil(t, app.srv)
	assert.NotNil(t, app.auditLog)
}

func TestNewRejectsInvalidGraph(t *testing.T) {
	g := testGraph()
	g.Hypotheses[0].Prior = 1.5
	_, err := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithGraph(g),
		WithFetcher(cannedFetcher{}),
		WithDBPath(filepath.Join(t.TempDir(), "app.db")),
	)
	assert.Error(t, err)
}

func TestNewRejectsInvalidAlertRule(t *testing.T) {
	_, err := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithGraph(testGraph()),
		WithFetcher(cannedFetcher{}),
		WithDBPath(filepath.Join(t.TempDir(), "app.db")),
		WithAlertRule(alert.Rule{Name: "bad"}), // no target, no condition
	)
	assert.Error(t, err)
}

func TestRunIngestPipeline(t *testing.T) {
	app, err := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithGraph(testGraph()),
		WithFetcher(cannedFetcher{}),
		WithDBPath(filepath.Join(t.TempDir(), "app.db")),
	)
	require.NoError(t, err)
	t.Cleanup(app.shutdown)

	require.NoError(t, app.runIngest(context.Background()))

	// One matching item lands in the store and the evaluation persists.
	ev, err := app.store.LatestEvaluation(context.Background(), "global_war_risk")
	require.NoError(t, err)
	assert.Greater(t, ev.Probability, 0.05)
}
