package analysis

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// SessionSummary aggregates the runs linked to a session by scanning them.
// Consistent says whether the scan agrees with the live counters.
type SessionSummary struct {
	Session      domain.Session
	Runs         int
	Completed    int
	Failed       int
	Strategies   int
	AvgProfitPct *float64
	BestProfit   *float64
	BestStrategy string
	BestRunID    int64
	Consistent   bool
}

// SessionSummary recomputes a session's aggregates from its rows.
func (a *Analyzer) SessionSummary(ctx context.Context, sessionID int64) (SessionSummary, error) {
	sess, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("analysis.SessionSummary: %w", err)
	}

	kind := domain.KindOptimization
	if sess.Kind == domain.SessionBacktest {
		kind = domain.KindBacktest
	}
	runs, err := a.store.Query(ctx, kind, domain.Query{}.Where("session_id", domain.OpEq, sessionID))
	if err != nil {
		return SessionSummary{}, fmt.Errorf("analysis.SessionSummary: %w", err)
	}

	out := SessionSummary{Session: sess}
	agg := aggregate(runs)
	out.Runs = agg.total
	out.Completed = agg.completed
	out.Failed = agg.failed
	out.Strategies = len(agg.strategies)
	out.AvgProfitPct = agg.avg()
	out.BestProfit = agg.best
	out.BestStrategy = agg.bestStrategy
	out.BestRunID = agg.bestID
	// pending rows are not attempts yet
	out.Consistent = agg.completed == sess.Succeeded && agg.failed == sess.Failed &&
		agg.completed+agg.failed == sess.Total
	return out, nil
}

// KindStats are the overall figures of one run kind.
type KindStats struct {
	Total        int
	Completed    int
	Failed       int
	Strategies   int
	AvgProfitPct *float64
	BestProfit   *float64
	BestStrategy string
}

// Stats is the store-wide overview.
type Stats struct {
	Optimizations KindStats
	Backtests     KindStats
	Sessions      int
	OpenSessions  int
	Pairs         int // comparable optimization/backtest pairs
	AvgGap        *float64
	ByClass       map[domain.GapClass]int
}

// Stats computes counts and averages for both kinds plus the average gap over
// every comparable pair.
func (a *Analyzer) Stats(ctx context.Context) (Stats, error) {
	opts, err := a.store.Query(ctx, domain.KindOptimization, domain.Query{})
	if err != nil {
		return Stats{}, fmt.Errorf("analysis.Stats: %w", err)
	}
	bts, err := a.store.QueryBacktests(ctx, domain.Query{})
	if err != nil {
		return Stats{}, fmt.Errorf("analysis.Stats: %w", err)
	}
	sessions, err := a.sessions.ListSessions(ctx, "", false)
	if err != nil {
		return Stats{}, fmt.Errorf("analysis.Stats: %w", err)
	}

	btRuns := make([]domain.Run, len(bts))
	for i := range bts {
		btRuns[i] = bts[i]
	}

	st := Stats{
		Optimizations: aggregate(opts).kindStats(),
		Backtests:     aggregate(btRuns).kindStats(),
		Sessions:      len(sessions),
		ByClass:       make(map[domain.GapClass]int),
	}
	for _, s := range sessions {
		if !s.Closed() {
			st.OpenSessions++
		}
	}

	byID := make(map[int64]domain.OptimizationRun, len(opts))
	for _, r := range opts {
		if o, ok := r.(domain.OptimizationRun); ok {
			byID[o.ID] = o
		}
	}
	var gapSum float64
	for i := range bts {
		bt := bts[i]
		if bt.OptimizationID == nil {
			continue
		}
		opt, ok := byID[*bt.OptimizationID]
		if !ok {
			continue
		}
		p := a.pair(opt, &bt)
		st.ByClass[p.Class]++
		if p.Gap != nil {
			st.Pairs++
			gapSum += *p.Gap
		}
	}
	if st.Pairs > 0 {
		avg := gapSum / float64(st.Pairs)
		st.AvgGap = &avg
	}
	return st, nil
}

type aggregation struct {
	total, completed, failed int
	strategies               map[string]bool
	profitSum                float64
	best                     *float64
	bestStrategy             string
	bestID                   int64
}

func aggregate(runs []domain.Run) aggregation {
	agg := aggregation{strategies: make(map[string]bool)}
	for _, r := range runs {
		b := r.Common()
		agg.total++
		agg.strategies[b.StrategyName] = true
		switch b.Status {
		case domain.StatusFailed:
			agg.failed++
			continue
		case domain.StatusCompleted:
			agg.completed++
		default:
			continue
		}
		p, ok := b.ProfitPct()
		if !ok {
			continue
		}
		agg.profitSum += p
		if agg.best == nil || p > *agg.best {
			v := p
			agg.best = &v
			agg.bestStrategy = b.StrategyName
			agg.bestID = b.ID
		}
	}
	return agg
}

func (g aggregation) avg() *float64 {
	if g.completed == 0 {
		return nil
	}
	v := g.profitSum / float64(g.completed)
	return &v
}

func (g aggregation) kindStats() KindStats {
	return KindStats{
		Total:        g.total,
		Completed:    g.completed,
		Failed:       g.failed,
		Strategies:   len(g.strategies),
		AvgProfitPct: g.avg(),
		BestProfit:   g.best,
		BestStrategy: g.bestStrategy,
	}
}
