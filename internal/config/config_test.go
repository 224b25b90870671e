package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGraphValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateReportsAllViolations(t *testing.T) {
	g := &Graph{
		Sources: []Source{
			{Name: "a", URL: "http://example.com/feed", Kind: "rss", Timeout: 10},
			{Name: "a", URL: "", Kind: "carrier-pigeon", Timeout: -1},
		},
		Signals: []SignalDef{
			{Name: "sig", Weight: 1, Aggregation: "median", Cap: 0},
		},
		Hypotheses: []HypothesisDef{
			{Name: "h", Prior: 1.5, Signals: []string{"sig", "ghost"}},
		},
		KeywordSets: map[string][]string{"k": {"war"}},
		Bindings: map[string]Binding{
			"sig":   {Sources: []string{"nope"}, KeywordSets: []string{"missing"}, WindowDays: 0},
			"ghost": {Sources: []string{"a"}, KeywordSets: []string{"k"}, WindowDays: 7},
		},
	}

	err := g.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrValidation)

	msg := err.Error()
	for _, want := range []string{
		"duplicate source name: a",
		"missing url",
		"invalid type: carrier-pigeon",
		"invalid timeout",
		"invalid aggregation: median",
		"invalid cap",
		"invalid prior: 1.5",
		"unknown signal: ghost",
		"unknown source: nope",
		"unknown keyword set: missing",
		"invalid window_days: 0",
		"signal binding for unknown signal: ghost",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidPriorBounds(t *testing.T) {
	g := Default()
	g.Hypotheses[0].Prior = 0
	assert.NoError(t, g.Validate())
	g.Hypotheses[0].Prior = 1
	assert.NoError(t, g.Validate())
	g.Hypotheses[0].Prior = -0.01
	assert.Error(t, g.Validate())
}

func TestAllowedHostsStripsWWW(t *testing.T) {
	g := &Graph{Sources: []Source{
		{Name: "n", URL: "https://www.nato.int/feed", Kind: "rss", Timeout: 5},
		{Name: "b", URL: "http://feeds.bbci.co.uk/rss.xml", Kind: "rss", Timeout: 5},
	}}
	hosts := g.AllowedHosts()
	assert.Contains(t, hosts, "www.nato.int")
	assert.Contains(t, hosts, "nato.int")
	assert.Contains(t, hosts, "feeds.bbci.co.uk")
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world_config.json")
	require.NoError(t, WriteDefault(path))

	g, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, g.Sources, 8)
	assert.Len(t, g.Signals, 11)
	assert.Len(t, g.Hypotheses, 3)

	sig, ok := g.Signal("nuclear_testing_talk")
	require.True(t, ok)
	assert.Equal(t, "max", sig.Aggregation)
	assert.InDelta(t, 2.6, sig.Weight, 1e-9)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoaderCachesUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, WriteDefault(path))

	l := NewLoader()
	g1, err := l.Load(path)
	require.NoError(t, err)
	g2, err := l.Load(path)
	require.NoError(t, err)
	assert.Same(t, g1, g2, "unchanged file should be served from cache")
}

func TestLoaderReloadsEditedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, WriteDefault(path))

	l := NewLoader()
	g1, err := l.Load(path)
	require.NoError(t, err)

	// Rewrite with a different size and bump mtime.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, '\n'), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	g2, err := l.Load(path)
	require.NoError(t, err)
	assert.NotSame(t, g1, g2, "edited file should be reparsed")
}

func TestSourceTimeoutDuration(t *testing.T) {
	s := Source{Timeout: 2.5}
	assert.Equal(t, 2500*time.Millisecond, s.TimeoutDuration())
}
