// Package worldpam is the public API for embedding the World P.A.M.
// geopolitical risk engine.
//
// Consumers construct the engine with New() options and run it with Run():
//
//	app, err := worldpam.New(
//	    worldpam.WithVersion(version),
//	    worldpam.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: worldpam (root) imports
// internal/*, but internal/* never imports worldpam.
package worldpam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/worldpam/worldpam/internal/alert"
	"github.com/worldpam/worldpam/internal/audit"
	"github.com/worldpam/worldpam/internal/bus"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/detect"
	"github.com/worldpam/worldpam/internal/eval"
	"github.com/worldpam/worldpam/internal/feed"
	"github.com/worldpam/worldpam/internal/fetch"
	"github.com/worldpam/worldpam/internal/metrics"
	"github.com/worldpam/worldpam/internal/ratelimit"
	"github.com/worldpam/worldpam/internal/scheduler"
	"github.com/worldpam/worldpam/internal/server"
	"github.com/worldpam/worldpam/internal/signal"
	"github.com/worldpam/worldpam/internal/storage"
	"github.com/worldpam/worldpam/internal/stream"
	"github.com/worldpam/worldpam/internal/telemetry"
)

// App is the engine lifecycle. Construct with New(), run with Run().
type App struct {
	settings config.Settings
	graph    *config.Graph

	store     *storage.Store
	auditLog  *audit.Log
	events    *bus.Bus
	fetcher   signal.Fetcher
	detector  *detect.Detector
	signals   *signal.Computer
	evaluator *eval.Evaluator
	alerts    *alert.Engine
	stream    *stream.Manager
	metrics   *metrics.Collector
	limiter   ratelimit.Limiter
	sched     *scheduler.Scheduler
	srv       *server.Server

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires the engine: configuration, storage, the event pipeline, and the
// HTTP server. It does not start goroutines or accept connections — call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	if o.port != 0 {
		settings.Port = o.port
	}
	if o.dbPath != "" {
		settings.DBPath = o.dbPath
	}

	graph := o.graph
	if graph == nil {
		if o.configPath != "" {
			g, err := config.Load(o.configPath)
			if err != nil {
				return nil, fmt.Errorf("load graph: %w", err)
			}
			graph = g
		} else {
			graph = config.Default()
		}
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("validate graph: %w", err)
	}

	logger.Info("worldpam starting",
		"version", version,
		"port", settings.Port,
		"sources", len(graph.Sources),
		"hypotheses", len(graph.Hypotheses))

	otelShutdown, err := telemetry.Init(context.Background(),
		settings.OTELEndpoint, settings.ServiceName, version, settings.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(settings.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	auditLog, err := audit.New(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}

	m := metrics.New()
	events := bus.New(logger)

	fetcher := o.fetcher
	if fetcher == nil {
		hosts := make([]string, 0, len(graph.Sources)*2)
		for h := range graph.AllowedHosts() {
			hosts = append(hosts, h)
		}
		fetcher = fetch.New(hosts, m, logger)
	}

	app := &App{
		settings:     settings,
		graph:        graph,
		store:        store,
		auditLog:     auditLog,
		events:       events,
		fetcher:      fetcher,
		detector:     detect.New(events, logger),
		metrics:      m,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	app.signals = signal.New(graph, fetcher, store, events, m, logger,
		signal.WithMaxConcurrent(settings.MaxConcurrentFetch))

	var evalOpts []eval.Option
	if o.rng != nil {
		evalOpts = append(evalOpts, eval.WithRand(o.rng))
	}
	app.evaluator = eval.New(graph, app.signals, store, events, m, logger, evalOpts...)

	app.alerts = alert.New(events, logger, o.notifiers...)
	for _, rule := range o.alertRules {
		if err := app.alerts.AddRule(rule); err != nil {
			store.Close()
			return nil, fmt.Errorf("alert rule: %w", err)
		}
	}
	app.alerts.Start()
	app.stream = stream.New(events, logger)

	app.limiter = ratelimit.NewMemoryLimiter(settings.RateLimitPerMinute, settings.RateLimitPerHour)
	app.sched = scheduler.New(logger)

	app.srv = server.New(server.Config{
		Graph:        graph,
		Signals:      app.signals,
		Evaluator:    app.evaluator,
		Store:        store,
		Metrics:      m,
		Health:       metrics.NewChecker(m),
		Alerts:       app.alerts,
		Stream:       app.stream,
		Logger:       logger,
		Limiter:      app.limiter,
		Audit:        auditLog,
		Port:         settings.Port,
		ReadTimeout:  settings.ReadTimeout,
		WriteTimeout: settings.WriteTimeout,
	})
	return app, nil
}

// Run starts the scheduler and HTTP server and blocks until ctx is canceled
// or the server fails. Shutdown is graceful: in-flight requests drain, jobs
// finish, and the store closes.
func (a *App) Run(ctx context.Context) error {
	a.scheduleJobs()
	a.sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			a.shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", slog.Any("error", err))
	}
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.sched.Stop()
	a.events.Close()
	_ = a.limiter.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", slog.Any("error", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.otelShutdown(ctx)
}

func (a *App) scheduleJobs() {
	a.sched.ScheduleEvery("ingest", a.settings.IngestInterval, a.runIngest, true)
	a.sched.ScheduleEvery("backup", a.settings.BackupInterval, func(ctx context.Context) error {
		_, err := a.store.Backup(ctx, a.settings.BackupDir, a.settings.BackupKeep)
		return err
	}, false)
	a.sched.ScheduleEvery("retention", a.settings.RetentionInterval, func(ctx context.Context) error {
		_, err := a.store.CleanupOldData(ctx, a.settings.RetentionDays)
		return err
	}, false)
}

// runIngest is the periodic pipeline: fetch every source concurrently, notice
// content changes, recompute signals, and re-evaluate every hypothesis.
func (a *App) runIngest(ctx context.Context) error {
	for _, fr := range a.fetcher.FetchAll(ctx, a.graph.Sources, a.settings.MaxConcurrentFetch) {
		if fr.Err != nil {
			a.logger.Warn("ingest fetch failed",
				slog.String("source", fr.Source.Name), slog.Any("error", fr.Err))
			continue
		}
		a.detector.Observe(fr.Source.Name, fr.Source.URL, feed.Parse(fr.Source.Kind, fr.Body))
	}

	a.signals.ComputeAll(ctx, "")
	if _, err := a.evaluator.EvaluateAll(ctx, "", 0); err != nil {
		return fmt.Errorf("ingest: evaluate: %w", err)
	}
	return nil
}
