// Package analysis holds the read-only reporting over stored runs: rankings,
// optimization/backtest comparisons and the reality gap. Nothing here writes
// to the store; ExportBestConfigs only writes files.
package analysis

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

// Analyzer computes comparative metrics over a ResultStore.
type Analyzer struct {
	store      ports.ResultStore
	sessions   ports.SessionStore
	thresholds domain.Thresholds
}

// NewAnalyzer builds an Analyzer. Zero thresholds fall back to the defaults.
func NewAnalyzer(store ports.ResultStore, sessions ports.SessionStore, t domain.Thresholds) *Analyzer {
	if t == (domain.Thresholds{}) {
		t = domain.DefaultThresholds()
	}
	return &Analyzer{store: store, sessions: sessions, thresholds: t}
}

// Thresholds returns the classification band in use.
func (a *Analyzer) Thresholds() domain.Thresholds { return a.thresholds }

// RealityGap is optimization profit minus backtest profit.
func (a *Analyzer) RealityGap(optimizationProfitPct, backtestProfitPct float64) float64 {
	return domain.RealityGap(optimizationProfitPct, backtestProfitPct)
}

// Classify labels a gap with the configured thresholds.
func (a *Analyzer) Classify(gap float64) domain.GapClass {
	return domain.ClassifyGap(gap, a.thresholds)
}

// rankingQuery orders completed runs by profit, then sharpe, then recency.
// id desc makes the order total so repeated calls return the same sequence.
func rankingQuery(limit, minTrades int, timeframe string) domain.Query {
	q := domain.Query{Limit: limit}.
		Where("status", domain.OpEq, domain.StatusCompleted).
		Where("total_profit_pct", domain.OpNotNull, nil)
	if minTrades > 0 {
		q = q.Where("total_trades", domain.OpGte, minTrades)
	}
	if timeframe != "" {
		q = q.Where("timeframe", domain.OpEq, timeframe)
	}
	return q.
		Sort("total_profit_pct", true).
		Sort("sharpe_ratio", true).
		Sort("timestamp", true).
		Sort("id", true)
}

// BestStrategies ranks completed optimization runs. Runs with fewer than
// minTrades trades are left out; an empty timeframe matches any.
func (a *Analyzer) BestStrategies(ctx context.Context, limit, minTrades int, timeframe string) ([]domain.OptimizationRun, error) {
	runs, err := a.store.QueryOptimizations(ctx, rankingQuery(limit, minTrades, timeframe))
	if err != nil {
		return nil, fmt.Errorf("analysis.BestStrategies: %w", err)
	}
	return runs, nil
}

// BestBacktests applies the same ranking to backtest runs.
func (a *Analyzer) BestBacktests(ctx context.Context, limit, minTrades int, timeframe string) ([]domain.BacktestRun, error) {
	runs, err := a.store.QueryBacktests(ctx, rankingQuery(limit, minTrades, timeframe))
	if err != nil {
		return nil, fmt.Errorf("analysis.BestBacktests: %w", err)
	}
	return runs, nil
}

// Untested returns the best completed optimizations that have no completed
// backtest yet: the work a validation batch would pick up.
func (a *Analyzer) Untested(ctx context.Context, limit int) ([]domain.OptimizationRun, error) {
	tested, err := a.validatedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("analysis.Untested: %w", err)
	}
	ranked, err := a.store.QueryOptimizations(ctx, rankingQuery(0, 0, ""))
	if err != nil {
		return nil, fmt.Errorf("analysis.Untested: %w", err)
	}

	var out []domain.OptimizationRun
	for _, run := range ranked {
		if tested[run.ID] {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (a *Analyzer) validatedIDs(ctx context.Context) (map[int64]bool, error) {
	bts, err := a.store.QueryBacktests(ctx, domain.Query{}.
		Where("status", domain.OpEq, domain.StatusCompleted).
		Where("optimization_id", domain.OpNotNull, nil))
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]bool, len(bts))
	for _, b := range bts {
		ids[*b.OptimizationID] = true
	}
	return ids, nil
}
