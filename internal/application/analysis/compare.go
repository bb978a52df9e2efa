package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// Pair is one optimization next to a backtest that validates it. Backtest is
// nil when the optimization was never validated. Gap is nil unless both
// sides completed with metrics: "no data" is not a zero gap.
type Pair struct {
	Optimization domain.OptimizationRun
	Backtest     *domain.BacktestRun
	Gap          *float64
	Class        domain.GapClass
}

// Compare pairs every optimization of strategy with its linked backtests,
// newest optimization first. An optimization validated more than once yields
// one pair per backtest. Backtests with no link are not listed; see Unpaired.
func (a *Analyzer) Compare(ctx context.Context, strategy string) ([]Pair, error) {
	opts, err := a.store.QueryOptimizations(ctx, domain.Query{}.
		Where("strategy_name", domain.OpEq, strategy).
		Sort("timestamp", true).
		Sort("id", true))
	if err != nil {
		return nil, fmt.Errorf("analysis.Compare: %w", err)
	}
	bts, err := a.store.QueryBacktests(ctx, domain.Query{}.
		Where("strategy_name", domain.OpEq, strategy).
		Where("optimization_id", domain.OpNotNull, nil).
		Sort("timestamp", true).
		Sort("id", true))
	if err != nil {
		return nil, fmt.Errorf("analysis.Compare: %w", err)
	}

	linked := make(map[int64][]domain.BacktestRun, len(bts))
	for _, b := range bts {
		linked[*b.OptimizationID] = append(linked[*b.OptimizationID], b)
	}

	pairs := make([]Pair, 0, len(opts))
	for _, opt := range opts {
		matches := linked[opt.ID]
		if len(matches) == 0 {
			pairs = append(pairs, a.pair(opt, nil))
			continue
		}
		for i := range matches {
			pairs = append(pairs, a.pair(opt, &matches[i]))
		}
	}
	return pairs, nil
}

func (a *Analyzer) pair(opt domain.OptimizationRun, bt *domain.BacktestRun) Pair {
	p := Pair{Optimization: opt, Backtest: bt, Class: domain.GapNotComparable}
	if bt == nil || !opt.Comparable() || !bt.Comparable() {
		return p
	}
	optProfit, _ := opt.ProfitPct()
	btProfit, _ := bt.ProfitPct()
	gap := a.RealityGap(optProfit, btProfit)
	p.Gap = &gap
	p.Class = a.Classify(gap)
	return p
}

// Unpaired lists backtests of strategy that validate no optimization.
func (a *Analyzer) Unpaired(ctx context.Context, strategy string) ([]domain.BacktestRun, error) {
	bts, err := a.store.QueryBacktests(ctx, domain.Query{}.
		Where("strategy_name", domain.OpEq, strategy).
		Where("optimization_id", domain.OpNull, nil).
		Sort("timestamp", true).
		Sort("id", true))
	if err != nil {
		return nil, fmt.Errorf("analysis.Unpaired: %w", err)
	}
	return bts, nil
}

// TimelineEntry is one run of either kind. Detail is the run number for an
// optimization and the linked optimization id (or nil) for a backtest.
type TimelineEntry struct {
	Kind           domain.RunKind
	ID             int64
	Timestamp      time.Time
	Status         domain.RunStatus
	ProfitPct      *float64
	RunNumber      int
	OptimizationID *int64
}

// Timeline lists all runs of strategy, newest first.
func (a *Analyzer) Timeline(ctx context.Context, strategy string) ([]TimelineEntry, error) {
	q := domain.Query{}.Where("strategy_name", domain.OpEq, strategy)

	var runs []domain.Run
	for _, kind := range []domain.RunKind{domain.KindOptimization, domain.KindBacktest} {
		rs, err := a.store.Query(ctx, kind, q)
		if err != nil {
			return nil, fmt.Errorf("analysis.Timeline: %w", err)
		}
		runs = append(runs, rs...)
	}

	entries := make([]TimelineEntry, 0, len(runs))
	for _, r := range runs {
		entries = append(entries, timelineEntry(r))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ei, ej := entries[i], entries[j]
		if !ei.Timestamp.Equal(ej.Timestamp) {
			return ei.Timestamp.After(ej.Timestamp)
		}
		if ei.Kind != ej.Kind {
			// at equal time the backtest follows the optimization it replays
			return ei.Kind == domain.KindBacktest
		}
		return ei.ID > ej.ID
	})
	return entries, nil
}

func timelineEntry(r domain.Run) TimelineEntry {
	b := r.Common()
	e := TimelineEntry{
		Kind:      r.Kind(),
		ID:        b.ID,
		Timestamp: b.Timestamp,
		Status:    b.Status,
	}
	if p, ok := b.ProfitPct(); ok {
		e.ProfitPct = &p
	}
	switch run := r.(type) {
	case domain.OptimizationRun:
		e.RunNumber = run.RunNumber
	case domain.BacktestRun:
		e.OptimizationID = run.OptimizationID
	}
	return e
}
