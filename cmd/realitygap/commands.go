package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/alejandrodnm/realitygap/config"
	"github.com/alejandrodnm/realitygap/internal/adapters/freqtrade"
	"github.com/alejandrodnm/realitygap/internal/adapters/notify"
	"github.com/alejandrodnm/realitygap/internal/adapters/storage"
	"github.com/alejandrodnm/realitygap/internal/application/analysis"
	"github.com/alejandrodnm/realitygap/internal/application/batch"
	"github.com/alejandrodnm/realitygap/internal/application/session"
	"github.com/alejandrodnm/realitygap/internal/domain"
)

// errAllFailed marks a batch that ran attempts and got no success.
var errAllFailed = errors.New("every attempt failed")

// app holds the dependencies shared by the CLI actions.
type app struct {
	cfg          *config.Config
	flags        flags
	store        *storage.SQLiteStorage
	tracker      *session.Tracker
	analyzer     *analysis.Analyzer
	orchestrator *batch.Orchestrator
	executor     *freqtrade.Executor
	console      *notify.Console
}

func (a *app) batchConfig() batch.Config {
	workers := a.cfg.Optimize.Workers
	if a.flags.workers > 0 {
		workers = a.flags.workers
	}
	return batch.Config{
		Attempts:     a.cfg.Optimize.Attempts,
		Workers:      workers,
		TopK:         a.cfg.Validate.TopK,
		MinTrades:    a.cfg.Validate.MinTrades,
		LossFunction: a.cfg.Optimize.LossFunction,
		Epochs:       a.cfg.Optimize.Epochs,
		Spaces:       a.cfg.Optimize.Spaces,
		ConfigFile:   a.cfg.Executor.ConfigFile,
		ConfigDir:    a.cfg.Executor.ConfigDir,
		Run:          a.cfg.DomainRun(),
	}
}

// resolveStrategies expands "all" into the strategies found on disk.
func (a *app) resolveStrategies(list string) ([]string, error) {
	if strings.TrimSpace(list) != "all" {
		return splitStrategies(list), nil
	}
	strategies, err := a.executor.Strategies()
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no strategies found: %w", domain.ErrValidation)
	}
	return strategies, nil
}

func (a *app) runOptimize(ctx context.Context, strategies []string) error {
	summary, err := a.orchestrator.RunBatch(ctx, strategies, domain.ModeOptimize, batch.Limits{
		Attempts: a.flags.attempts,
	})
	return a.report(ctx, summary, err)
}

// runValidate backtests candidates. Positional args restrict the strategies.
func (a *app) runValidate(ctx context.Context, strategies []string) error {
	limits := batch.Limits{
		TopK:   a.flags.top,
		Retest: a.flags.retest || a.cfg.Validate.Retest,
	}
	if a.flags.minTrades >= 0 {
		limits.MinTrades = a.flags.minTrades
	}
	if a.flags.sessionID > 0 {
		id := a.flags.sessionID
		limits.SourceSessionID = &id
	}
	summary, err := a.orchestrator.RunBatch(ctx, strategies, domain.ModeValidate, limits)
	return a.report(ctx, summary, err)
}

// report prints whatever the batch produced, even when it aborted.
func (a *app) report(ctx context.Context, summary domain.BatchSummary, err error) error {
	if summary.Mode != "" {
		if rerr := a.console.ReportBatch(ctx, summary); rerr != nil {
			slog.Warn("report failed", "err", rerr)
		}
	}
	if err != nil {
		return err
	}
	if summary.AllFailed() {
		return errAllFailed
	}
	return nil
}

func (a *app) minTrades() int {
	if a.flags.minTrades >= 0 {
		return a.flags.minTrades
	}
	if m := a.cfg.Analysis.MinTrades; m != nil {
		return *m
	}
	return 0
}

func (a *app) limit() int {
	if a.flags.limit > 0 {
		return a.flags.limit
	}
	return a.cfg.Analysis.Limit
}

func (a *app) showBest(ctx context.Context) error {
	if a.flags.backtests {
		runs, err := a.analyzer.BestBacktests(ctx, a.limit(), a.minTrades(), a.flags.timeframe)
		if err != nil {
			return err
		}
		return a.console.PrintBacktests("Best backtests", runs)
	}
	runs, err := a.analyzer.BestStrategies(ctx, a.limit(), a.minTrades(), a.flags.timeframe)
	if err != nil {
		return err
	}
	return a.console.PrintOptimizations("Best optimizations", runs)
}

func (a *app) showCompare(ctx context.Context, strategy string) error {
	pairs, err := a.analyzer.Compare(ctx, strategy)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if p.Gap != nil {
			slog.Debug("pair", "optimization_id", p.Optimization.ID, "gap", *p.Gap, "class", p.Class)
		}
	}
	return a.console.PrintCompare(strategy, pairs)
}

func (a *app) showUnpaired(ctx context.Context, strategy string) error {
	runs, err := a.analyzer.Unpaired(ctx, strategy)
	if err != nil {
		return err
	}
	return a.console.PrintUnpaired(strategy, runs)
}

func (a *app) showTimeline(ctx context.Context, strategy string) error {
	entries, err := a.analyzer.Timeline(ctx, strategy)
	if err != nil {
		return err
	}
	return a.console.PrintTimeline(strategy, entries)
}

func (a *app) showSummary(ctx context.Context, id int64) error {
	s, err := a.analyzer.SessionSummary(ctx, id)
	if err != nil {
		return err
	}
	return a.console.PrintSessionSummary(s)
}

func (a *app) showUntested(ctx context.Context) error {
	runs, err := a.analyzer.Untested(ctx, a.limit())
	if err != nil {
		return err
	}
	return a.console.PrintOptimizations("Untested optimizations", runs)
}

func (a *app) showStats(ctx context.Context) error {
	s, err := a.analyzer.Stats(ctx)
	if err != nil {
		return err
	}
	return a.console.PrintStats(s)
}

// showSessions lists open sessions, or with -all the most recent sessions of
// both kinds.
func (a *app) showSessions(ctx context.Context) error {
	if !a.flags.all {
		open, err := a.tracker.ListOpen(ctx, "")
		if err != nil {
			return err
		}
		return a.console.PrintSessions("Open sessions", open)
	}
	all, err := a.tracker.List(ctx, "")
	if err != nil {
		return err
	}
	if n := a.limit(); n > 0 && len(all) > n {
		all = all[:n]
	}
	return a.console.PrintSessions("Sessions", all)
}

func (a *app) showTrades(ctx context.Context, backtestID int64) error {
	rep, err := a.analyzer.Trades(ctx, backtestID)
	if err != nil {
		return err
	}
	return a.console.PrintTrades(rep)
}

// runExport writes the best configs of each kind into its own subdirectory.
func (a *app) runExport(ctx context.Context, dir string) error {
	for _, target := range []struct {
		kind  domain.RunKind
		sub   string
		title string
	}{
		{domain.KindOptimization, "best_hyperopt_configs", "Best optimization configs"},
		{domain.KindBacktest, "best_backtest_configs", "Best backtest configs"},
	} {
		out := filepath.Join(dir, target.sub)
		exports, err := a.analyzer.ExportBestConfigs(ctx, target.kind, out, a.limit(), a.minTrades())
		if err != nil {
			return err
		}
		if err := a.console.PrintExports(target.title, out, exports); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) runPrune(ctx context.Context, days int) error {
	res, err := a.store.Prune(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d backtests and %d optimizations older than %d days\n",
		res.Backtests, res.Optimizations, days)
	return nil
}

func (a *app) showField(ctx context.Context) error {
	if a.flags.runID <= 0 {
		return fmt.Errorf("-field needs -id: %w", domain.ErrValidation)
	}
	res, err := a.analyzer.Field(ctx, domain.RunKind(a.flags.kind), a.flags.runID, analysis.Blob(a.flags.blob), a.flags.field)
	if err != nil {
		return err
	}
	fmt.Println(res.Raw)
	return nil
}
