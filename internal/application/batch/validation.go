package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/realitygap/internal/adapters/metrics"
	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

const defaultTopK = 5

// runValidation backtests the best optimization runs, one backtest per
// candidate and no retries: a backtest replay is deterministic.
func (o *Orchestrator) runValidation(ctx context.Context, strategies []string, limits Limits) (domain.BatchSummary, error) {
	cands, err := o.candidates(ctx, dedupe(strategies), limits)
	if err != nil {
		return domain.BatchSummary{}, fmt.Errorf("batch.RunBatch: %w", err)
	}
	if len(cands) == 0 {
		slog.Info("nothing to validate", "source_session", limits.SourceSessionID, "retest", limits.Retest)
		return domain.BatchSummary{Mode: domain.ModeValidate}, nil
	}

	start := o.now()
	sc := domain.SessionContext{
		Kind:             domain.SessionBacktest,
		Exchange:         o.cfg.Run.Exchange,
		Timeframe:        o.cfg.Run.Timeframe,
		TimeRange:        o.cfg.Run.TimeRange,
		RelatedSessionID: limits.SourceSessionID,
	}
	sessionID, batchID, err := o.startSession(ctx, sc)
	if err != nil {
		return domain.BatchSummary{}, err
	}

	jobs := groupByStrategy(cands)
	slog.Info("validation batch starting",
		"session_id", sessionID,
		"candidates", len(cands),
		"strategies", len(jobs),
		"workers", o.cfg.Workers,
	)

	outcomes, err := runPool(ctx, o.cfg.Workers, jobs, func(ctx context.Context, job strategyJob) (domain.StrategyOutcome, error) {
		return o.validateStrategy(ctx, sessionID, batchID, job)
	})
	return o.finish(ctx, domain.ModeValidate, sessionID, batchID, start, outcomes, err)
}

// candidates ranks completed optimizations (profit, then sharpe, then
// recency) and keeps the top K that still need a backtest.
func (o *Orchestrator) candidates(ctx context.Context, strategies []string, limits Limits) ([]domain.OptimizationRun, error) {
	topK := o.cfg.TopK
	if limits.TopK > 0 {
		topK = limits.TopK
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	minTrades := o.cfg.MinTrades
	if limits.MinTrades > 0 {
		minTrades = limits.MinTrades
	}

	q := domain.Query{}.
		Where("status", domain.OpEq, domain.StatusCompleted).
		Sort("total_profit_pct", true).
		Sort("sharpe_ratio", true).
		Sort("timestamp", true)
	if minTrades > 0 {
		q = q.Where("total_trades", domain.OpGte, minTrades)
	}
	if limits.SourceSessionID != nil {
		src, err := o.tracker.Get(ctx, *limits.SourceSessionID)
		if err != nil {
			return nil, fmt.Errorf("source session: %w", err)
		}
		if src.Kind != domain.SessionOptimization {
			return nil, fmt.Errorf("%w: session %d is a %s session", domain.ErrValidation, src.ID, src.Kind)
		}
		q = q.Where("session_id", domain.OpEq, src.ID)
	}

	ranked, err := o.store.QueryOptimizations(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("rank candidates: %w", err)
	}

	wanted := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		wanted[s] = true
	}

	var out []domain.OptimizationRun
	for _, run := range ranked {
		if len(out) == topK {
			break
		}
		if len(wanted) > 0 && !wanted[run.StrategyName] {
			continue
		}
		if !limits.Retest {
			tested, err := o.validated(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			if tested {
				slog.Debug("skipping validated candidate", "optimization_id", run.ID, "strategy", run.StrategyName)
				continue
			}
		}
		out = append(out, run)
	}
	return out, nil
}

// validated reports whether an optimization already has a completed backtest.
func (o *Orchestrator) validated(ctx context.Context, optimizationID int64) (bool, error) {
	q := domain.Query{Limit: 1}.
		Where("optimization_id", domain.OpEq, optimizationID).
		Where("status", domain.OpEq, domain.StatusCompleted)
	runs, err := o.store.QueryBacktests(ctx, q)
	if err != nil {
		return false, fmt.Errorf("check backtests of %d: %w", optimizationID, err)
	}
	return len(runs) > 0, nil
}

// groupByStrategy keeps rank order, both across strategies (first
// appearance) and within one.
func groupByStrategy(cands []domain.OptimizationRun) []strategyJob {
	pos := make(map[string]int)
	var jobs []strategyJob
	for _, c := range cands {
		i, ok := pos[c.StrategyName]
		if !ok {
			i = len(jobs)
			pos[c.StrategyName] = i
			jobs = append(jobs, strategyJob{index: i, strategy: c.StrategyName})
		}
		jobs[i].candidates = append(jobs[i].candidates, c)
	}
	return jobs
}

func (o *Orchestrator) validateStrategy(ctx context.Context, sessionID int64, batchID string, job strategyJob) (domain.StrategyOutcome, error) {
	out := domain.StrategyOutcome{Strategy: job.strategy}

	for n, cand := range job.candidates {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		configFile := cand.ConfigFilePath
		if configFile == "" {
			configFile = o.configFile(cand.StrategyName)
		}
		req := ports.ExecRequest{
			Kind:       domain.KindBacktest,
			Strategy:   cand.StrategyName,
			BatchID:    batchID,
			RunNumber:  cand.RunNumber,
			ConfigFile: configFile,
			Config:     cand.Config,
		}
		res, dur, execErr := o.execute(ctx, req)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		optID := cand.ID
		base := o.recordBase(cand.StrategyName, cand.Config, sessionID, batchID, n+1, len(job.candidates), configFile, res, execErr, dur)
		run := domain.BacktestRun{
			RunBase:          base,
			MaxDrawdownAbs:   res.Backtest.MaxDrawdownAbs,
			BestTradePct:     res.Backtest.BestTradePct,
			WorstTradePct:    res.Backtest.WorstTradePct,
			AvgTradeDuration: res.Backtest.AvgTradeDuration,
			OptimizationID:   &optID,
		}
		var trades []domain.Trade
		if base.Status == domain.StatusCompleted {
			trades = res.Trades
		}

		id, err := o.store.RecordBacktest(ctx, run, trades)
		if err != nil {
			metrics.RecordStorageError()
			return out, fmt.Errorf("batch: persist backtest of optimization %d: %w", cand.ID, err)
		}
		ok := base.Status == domain.StatusCompleted
		tally(&out, id, base)
		out.OptimizationID = &optID
		metrics.RecordAttempt(string(domain.ModeValidate), string(base.Status), dur)

		attrs := []any{
			"strategy", cand.StrategyName,
			"optimization_id", cand.ID,
			"status", base.Status,
			"id", id,
			"trades", len(trades),
			"duration", dur.Round(time.Second),
		}
		if ok && cand.Comparable() {
			optProfit, _ := cand.ProfitPct()
			btProfit, _ := base.ProfitPct()
			gap := domain.RealityGap(optProfit, btProfit)
			metrics.UpdateRealityGap(cand.StrategyName, gap)
			attrs = append(attrs, "reality_gap", gap)
		}
		slog.Info("validation backtest", attrs...)
	}
	return out, nil
}
