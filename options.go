package worldpam

import (
	"log/slog"
	"math/rand/v2"

	"github.com/worldpam/worldpam/internal/alert"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/signal"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger     *slog.Logger
	version    string
	port       int
	dbPath     string
	configPath string
	graph      *config.Graph
	fetcher    signal.Fetcher
	rng        *rand.Rand
	notifiers  []alert.Notifier
	alertRules []alert.Rule
}

// WithLogger sets the structured logger for the App.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPort overrides the HTTP port from config (PAM_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDBPath overrides the SQLite database path from config (PAM_DB_PATH env var).
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithConfigPath loads the scenario graph from a JSON file instead of the
// built-in defaults. Ignored when WithGraph is also given.
func WithConfigPath(path string) Option {
	return func(o *resolvedOptions) { o.configPath = path }
}

// WithGraph injects a pre-built scenario graph, bypassing file loading.
func WithGraph(g *config.Graph) Option {
	return func(o *resolvedOptions) { o.graph = g }
}

// WithFetcher replaces the hardened HTTP feed fetcher. Tests use this to
// serve canned feed documents.
func WithFetcher(f signal.Fetcher) Option {
	return func(o *resolvedOptions) { o.fetcher = f }
}

// WithRand seeds the Monte Carlo simulation with a deterministic source.
func WithRand(r *rand.Rand) Option {
	return func(o *resolvedOptions) { o.rng = r }
}

// WithNotifier registers an alert notifier alongside the event bus delivery.
func WithNotifier(n alert.Notifier) Option {
	return func(o *resolvedOptions) { o.notifiers = append(o.notifiers, n) }
}

// WithAlertRule registers an alert rule at startup.
func WithAlertRule(rule alert.Rule) Option {
	return func(o *resolvedOptions) { o.alertRules = append(o.alertRules, rule) }
}
