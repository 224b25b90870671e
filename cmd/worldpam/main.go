// Command worldpam runs the World P.A.M. geopolitical risk engine.
//
// With no mode flags it starts the long-running service (scheduler + HTTP
// API). Mode flags turn it into a one-shot tool: evaluate a scenario, print
// history, export or clean up the database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/worldpam/worldpam"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/eval"
	"github.com/worldpam/worldpam/internal/fetch"
	"github.com/worldpam/worldpam/internal/metrics"
	signals "github.com/worldpam/worldpam/internal/signal"
	"github.com/worldpam/worldpam/internal/storage"
)

// version is set at build time via -ldflags.
var version = "dev"

// errUsage marks errors that should exit with status 2.
var errUsage = errors.New("usage error")

type cliFlags struct {
	configPath string
	dbPath     string
	logFile    string
	verbose    bool
	quiet      bool

	initConfig bool
	list       bool
	scenario   string
	country    string
	simulate   int
	explain    bool
	runAll     bool
	health     bool
	export     string
	history    string
	stats      bool
	cleanup    int
}

func main() {
	os.Exit(run0())
}

func run0() int {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:           "worldpam",
		Short:         "World P.A.M. geopolitical risk scoring engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to the scenario graph JSON (default: built-in graph)")
	f.StringVar(&flags.dbPath, "db-path", "", "override the SQLite database path")
	f.StringVar(&flags.logFile, "log-file", "", "write logs to this file instead of stdout")
	f.BoolVar(&flags.verbose, "verbose", false, "debug logging")
	f.BoolVar(&flags.quiet, "quiet", false, "errors only")
	f.BoolVar(&flags.initConfig, "init", false, "write the default config file and exit")
	f.BoolVar(&flags.list, "list", false, "print hypothesis names and exit")
	f.StringVar(&flags.scenario, "scenario", "", "evaluate one scenario and exit")
	f.StringVar(&flags.country, "country", "", "narrow keyword matching to a country")
	f.IntVar(&flags.simulate, "simulate", 0, "Monte Carlo trials (0 = deterministic)")
	f.BoolVar(&flags.explain, "explain", false, "print per-signal contributions")
	f.BoolVar(&flags.runAll, "run-all", false, "evaluate every scenario and exit")
	f.BoolVar(&flags.health, "health", false, "print the health report and exit")
	f.StringVar(&flags.export, "export", "", "export stored data to a JSON file and exit")
	f.StringVar(&flags.history, "history", "", "print stored evaluations for a scenario and exit")
	f.BoolVar(&flags.stats, "stats", false, "print database row counts and exit")
	f.IntVar(&flags.cleanup, "cleanup", -1, "delete rows older than N days and exit")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "worldpam:", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func run(ctx context.Context, flags *cliFlags) error {
	logger, closeLog, err := newLogger(flags)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	switch {
	case flags.initConfig:
		path := flags.configPath
		if path == "" {
			path = "pam_config.json"
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("init config: %w", err)
		}
		fmt.Println("wrote", path)
		return nil

	case flags.list:
		graph, err := loadGraph(flags.configPath)
		if err != nil {
			return err
		}
		for _, h := range graph.Hypotheses {
			fmt.Println(h.Name)
		}
		return nil

	case flags.scenario != "" || flags.runAll:
		return runEvaluate(ctx, flags, logger)

	case flags.simulate != 0 || flags.explain || (flags.country != "" && flags.history == ""):
		return fmt.Errorf("%w: --simulate and --explain require --scenario or --run-all; --country also works with --history", errUsage)

	case flags.health:
		return printJSON(metrics.NewChecker(metrics.New()).Check())

	case flags.export != "":
		return withStore(flags, logger, func(store *storage.Store) error {
			if err := store.ExportJSON(ctx, flags.export, 30); err != nil {
				return err
			}
			fmt.Println("exported to", flags.export)
			return nil
		})

	case flags.history != "":
		graph, err := loadGraph(flags.configPath)
		if err != nil {
			return err
		}
		if _, ok := graph.Hypothesis(flags.history); !ok {
			return fmt.Errorf("%w: unknown scenario %q", errUsage, flags.history)
		}
		return withStore(flags, logger, func(store *storage.Store) error {
			history, err := store.GetHypothesisHistory(ctx, flags.history, flags.country, 30)
			if err != nil {
				return err
			}
			return printJSON(history)
		})

	case flags.stats:
		return withStore(flags, logger, func(store *storage.Store) error {
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})

	case flags.cleanup >= 0:
		return withStore(flags, logger, func(store *storage.Store) error {
			counts, err := store.CleanupOldData(ctx, flags.cleanup)
			if err != nil {
				return err
			}
			return printJSON(counts)
		})
	}

	return serve(ctx, flags, logger)
}

// runEvaluate is the one-shot evaluation mode: fetch live feeds, compute
// signals, and print the result without persisting anything.
func runEvaluate(ctx context.Context, flags *cliFlags, logger *slog.Logger) error {
	if flags.simulate < 0 || flags.simulate > eval.MaxTrials {
		return fmt.Errorf("%w: --simulate must be between 0 and %d", errUsage, eval.MaxTrials)
	}
	graph, err := loadGraph(flags.configPath)
	if err != nil {
		return err
	}

	m := metrics.New()
	hosts := make([]string, 0, len(graph.Sources)*2)
	for h := range graph.AllowedHosts() {
		hosts = append(hosts, h)
	}
	fetcher := fetch.New(hosts, m, logger)
	computer := signals.New(graph, fetcher, nil, nil, m, logger)
	evaluator := eval.New(graph, computer, nil, nil, m, logger)

	if flags.runAll {
		results, err := evaluator.EvaluateAll(ctx, flags.country, flags.simulate)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		for name, ev := range results {
			fmt.Printf("%-40s p=%.4f\n", name, ev.Probability)
			if flags.explain {
				printContributions(ev)
			}
		}
		return nil
	}

	if _, ok := graph.Hypothesis(flags.scenario); !ok {
		return fmt.Errorf("%w: unknown scenario %q", errUsage, flags.scenario)
	}
	ev, err := evaluator.Evaluate(ctx, flags.scenario, flags.country, flags.simulate)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if flags.explain {
		fmt.Printf("%s: p=%.4f (prior %.4f)\n", ev.Hypothesis, ev.Probability, ev.Prior)
		if mc := ev.MonteCarlo; mc != nil {
			fmt.Printf("  simulated mean %.4f, 90%% interval [%.4f, %.4f] over %d trials\n",
				mc.Mean, mc.CILow, mc.CIHigh, mc.Trials)
		}
		printContributions(ev)
		return nil
	}
	return printJSON(ev)
}

func printContributions(ev eval.Evaluation) {
	for _, c := range ev.Contributions {
		fmt.Printf("  %-30s value=%.4f weight=%+.2f delta=%+.4f\n",
			c.Signal, c.Value, c.Weight, c.Delta)
	}
}

func serve(ctx context.Context, flags *cliFlags, logger *slog.Logger) error {
	opts := []worldpam.Option{
		worldpam.WithLogger(logger),
		worldpam.WithVersion(version),
	}
	if flags.configPath != "" {
		opts = append(opts, worldpam.WithConfigPath(flags.configPath))
	}
	if flags.dbPath != "" {
		opts = append(opts, worldpam.WithDBPath(flags.dbPath))
	}
	app, err := worldpam.New(opts...)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func loadGraph(path string) (*config.Graph, error) {
	if path == "" {
		return config.Default(), nil
	}
	graph, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return graph, nil
}

func withStore(flags *cliFlags, logger *slog.Logger, fn func(*storage.Store) error) error {
	path := flags.dbPath
	if path == "" {
		path = "pam_data.db"
	}
	store, err := storage.Open(path, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(flags *cliFlags) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch {
	case flags.verbose:
		level = slog.LevelDebug
	case flags.quiet:
		level = slog.LevelError
	case os.Getenv("PAM_LOG_LEVEL") == "debug":
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeLog := func() {}
	if flags.logFile != "" {
		f, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeLog, nil
}
