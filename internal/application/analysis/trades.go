package analysis

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// TradeGroup aggregates the trades sharing a pair or an exit reason.
type TradeGroup struct {
	Key            string
	Trades         int
	AvgProfitPct   float64
	TotalProfitAbs float64
}

// TradeReport is the trade-level breakdown of one backtest.
type TradeReport struct {
	Backtest           domain.BacktestRun
	Trades             []domain.Trade
	Total              int
	AvgProfitPct       float64
	TotalProfitAbs     float64
	AvgDurationMinutes float64
	BestTradePct       float64
	WorstTradePct      float64
	ByPair             []TradeGroup // best total profit first
	ByExitReason       []TradeGroup // most frequent first
}

// Trades loads the trades stored for a backtest and breaks them down by pair
// and exit reason. A backtest without trades yields a report with Total 0.
func (a *Analyzer) Trades(ctx context.Context, backtestID int64) (TradeReport, error) {
	bt, err := a.store.GetBacktest(ctx, backtestID)
	if err != nil {
		return TradeReport{}, fmt.Errorf("analysis.Trades: %w", err)
	}
	trades, err := a.store.Trades(ctx, backtestID)
	if err != nil {
		return TradeReport{}, fmt.Errorf("analysis.Trades: %w", err)
	}

	rep := TradeReport{Backtest: bt, Trades: trades, Total: len(trades)}
	if len(trades) == 0 {
		return rep, nil
	}

	byPair := map[string]*TradeGroup{}
	byExit := map[string]*TradeGroup{}
	var profitSum, durationSum float64
	rep.BestTradePct = trades[0].ProfitPct
	rep.WorstTradePct = trades[0].ProfitPct
	for _, tr := range trades {
		profitSum += tr.ProfitPct
		durationSum += float64(tr.DurationMinutes)
		rep.TotalProfitAbs += tr.ProfitAbs
		rep.BestTradePct = max(rep.BestTradePct, tr.ProfitPct)
		rep.WorstTradePct = min(rep.WorstTradePct, tr.ProfitPct)

		reason := tr.ExitReason
		if reason == "" {
			reason = "unknown"
		}
		addToGroup(byPair, tr.Pair, tr)
		addToGroup(byExit, reason, tr)
	}
	n := float64(len(trades))
	rep.AvgProfitPct = profitSum / n
	rep.AvgDurationMinutes = durationSum / n

	rep.ByPair = groups(byPair, func(a, b TradeGroup) int {
		return cmp.Compare(b.TotalProfitAbs, a.TotalProfitAbs)
	})
	rep.ByExitReason = groups(byExit, func(a, b TradeGroup) int {
		return cmp.Compare(b.Trades, a.Trades)
	})
	return rep, nil
}

// addToGroup keeps a running average in AvgProfitPct.
func addToGroup(m map[string]*TradeGroup, key string, tr domain.Trade) {
	g, ok := m[key]
	if !ok {
		g = &TradeGroup{Key: key}
		m[key] = g
	}
	g.Trades++
	g.TotalProfitAbs += tr.ProfitAbs
	g.AvgProfitPct += (tr.ProfitPct - g.AvgProfitPct) / float64(g.Trades)
}

// groups flattens m sorted by order, with the key as tie-break so the order
// is stable across calls.
func groups(m map[string]*TradeGroup, order func(a, b TradeGroup) int) []TradeGroup {
	out := make([]TradeGroup, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b TradeGroup) int {
		if c := order(a, b); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}
