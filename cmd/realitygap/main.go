package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alejandrodnm/realitygap/config"
	"github.com/alejandrodnm/realitygap/internal/adapters/freqtrade"
	"github.com/alejandrodnm/realitygap/internal/adapters/metrics"
	"github.com/alejandrodnm/realitygap/internal/adapters/notify"
	"github.com/alejandrodnm/realitygap/internal/adapters/storage"
	"github.com/alejandrodnm/realitygap/internal/application/analysis"
	"github.com/alejandrodnm/realitygap/internal/application/batch"
	"github.com/alejandrodnm/realitygap/internal/application/session"
)

type flags struct {
	configPath  string
	verbose     bool
	logFormat   string
	format      string
	metricsAddr string

	optimize string
	attempts int
	workers  int

	validate  bool
	sessionID int64
	top       int
	minTrades int
	retest    bool

	best      bool
	backtests bool
	limit     int
	timeframe string
	compare   string
	unpaired  string
	timeline  string
	summary   int64
	untested  bool
	stats     bool
	sessions  bool
	all       bool
	trades    int64
	export    string
	prune     int

	field string
	kind  string
	runID int64
	blob  string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "config/config.yaml", "path to config file")
	flag.BoolVar(&f.verbose, "verbose", false, "set log level to debug")
	flag.StringVar(&f.logFormat, "log-format", "", "log format: text|json (overrides config)")
	flag.StringVar(&f.format, "format", "table", "report format: table|json")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running (overrides config)")

	flag.StringVar(&f.optimize, "optimize", "", `comma-separated strategies to optimize, or "all" for every strategy in user_data/strategies`)
	flag.IntVar(&f.attempts, "attempts", 0, "optimization attempts per strategy (overrides config)")
	flag.IntVar(&f.workers, "workers", 0, "strategies processed in parallel (overrides config)")

	flag.BoolVar(&f.validate, "validate", false, "backtest the best optimization runs")
	flag.Int64Var(&f.sessionID, "session", 0, "with -validate: take candidates from this optimization session")
	flag.IntVar(&f.top, "top", 0, "with -validate: candidates per batch (overrides config)")
	flag.IntVar(&f.minTrades, "min-trades", -1, "minimum trades for rankings and candidates (overrides config)")
	flag.BoolVar(&f.retest, "retest", false, "with -validate: backtest candidates that were already validated")

	flag.BoolVar(&f.best, "best", false, "rank the best optimization runs")
	flag.BoolVar(&f.backtests, "backtests", false, "with -best: rank backtest runs instead")
	flag.IntVar(&f.limit, "limit", 0, "rows in rankings (overrides config)")
	flag.StringVar(&f.timeframe, "timeframe", "", "with -best: only runs on this timeframe")
	flag.StringVar(&f.compare, "compare", "", "optimization vs backtest pairs of a strategy")
	flag.StringVar(&f.unpaired, "unpaired", "", "backtests of a strategy with no optimization link")
	flag.StringVar(&f.timeline, "timeline", "", "every run of a strategy, newest first")
	flag.Int64Var(&f.summary, "summary", 0, "aggregates of a session")
	flag.BoolVar(&f.untested, "untested", false, "best optimization runs without a completed backtest")
	flag.BoolVar(&f.stats, "stats", false, "store-wide overview")
	flag.BoolVar(&f.sessions, "sessions", false, "list sessions that were never closed")
	flag.BoolVar(&f.all, "all", false, "with -sessions: list closed sessions of both kinds too")
	flag.Int64Var(&f.trades, "trades", 0, "trade details of a backtest by id")
	flag.StringVar(&f.export, "export", "", "write the configs of the best optimization and backtest runs into this directory")
	flag.IntVar(&f.prune, "prune", 0, "delete runs older than this many days")

	flag.StringVar(&f.field, "field", "", "JSON path to read from a stored blob (needs -kind and -id)")
	flag.StringVar(&f.kind, "kind", "optimization", "with -field: optimization|backtest")
	flag.Int64Var(&f.runID, "id", 0, "with -field: run id")
	flag.StringVar(&f.blob, "blob", "result", "with -field: result|config|session")
	flag.Parse()
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", f.configPath)
		return 1
	}

	if f.verbose {
		cfg.Log.Level = "debug"
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("realitygap starting",
		"config", f.configPath,
		"dsn", cfg.Storage.DSN,
		"timeframe", cfg.Run.Timeframe,
		"timerange", cfg.Run.TimeRange,
	)

	store, err := storage.Open(cfg.Storage.DSN, storage.Options{
		MaxRetries: cfg.Storage.MaxRetries,
		RetryBase:  cfg.RetryBase(),
	})
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return 1
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Storage.RetentionDays > 0 && f.prune == 0 {
		if _, err := store.Prune(ctx, time.Now().Add(-cfg.Retention())); err != nil {
			slog.Warn("retention pass failed", "err", err)
		}
	}

	addr := cfg.Metrics.Addr
	if f.metricsAddr != "" {
		addr = f.metricsAddr
	}
	if addr != "" {
		metrics.InitRegistry()
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				slog.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	app := &app{
		cfg:      cfg,
		flags:    f,
		store:    store,
		tracker:  session.NewTracker(store),
		analyzer: analysis.NewAnalyzer(store, store, cfg.Thresholds()),
		console:  notify.NewConsole(notify.Format(f.format)),
	}
	app.executor = freqtrade.NewExecutor(freqtrade.Config{
		Binary:     cfg.Executor.Binary,
		WorkDir:    cfg.Executor.Path,
		UserDir:    cfg.Executor.UserDir,
		ResultsDir: cfg.Executor.ResultsDir,
		Timeout:    cfg.ExecutorTimeout(),
		Cooldown:   cfg.ExecutorCooldown(),
	})
	app.orchestrator = batch.New(app.batchConfig(), store, app.tracker, app.executor)

	if err := app.dispatch(ctx); err != nil {
		slog.Error("realitygap failed", "err", err)
		return 1
	}
	return 0
}

func (a *app) dispatch(ctx context.Context) error {
	f := a.flags
	switch {
	case f.optimize != "":
		strategies, err := a.resolveStrategies(f.optimize)
		if err != nil {
			return err
		}
		return a.runOptimize(ctx, strategies)
	case f.validate:
		return a.runValidate(ctx, flag.Args())
	case f.best:
		return a.showBest(ctx)
	case f.compare != "":
		return a.showCompare(ctx, f.compare)
	case f.unpaired != "":
		return a.showUnpaired(ctx, f.unpaired)
	case f.timeline != "":
		return a.showTimeline(ctx, f.timeline)
	case f.summary > 0:
		return a.showSummary(ctx, f.summary)
	case f.untested:
		return a.showUntested(ctx)
	case f.stats:
		return a.showStats(ctx)
	case f.sessions:
		return a.showSessions(ctx)
	case f.trades > 0:
		return a.showTrades(ctx, f.trades)
	case f.export != "":
		return a.runExport(ctx, f.export)
	case f.prune > 0:
		return a.runPrune(ctx, f.prune)
	case f.field != "":
		return a.showField(ctx)
	}
	flag.Usage()
	return fmt.Errorf("no action given")
}

func splitStrategies(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout queda para los informes
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
