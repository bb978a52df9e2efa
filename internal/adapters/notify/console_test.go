package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/realitygap/internal/adapters/notify"
	"github.com/alejandrodnm/realitygap/internal/application/analysis"
	"github.com/alejandrodnm/realitygap/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func makeOpt(id int64, strategy string, profit float64) domain.OptimizationRun {
	return domain.OptimizationRun{
		RunBase: domain.RunBase{
			ID:           id,
			StrategyName: strategy,
			Timestamp:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Status:       domain.StatusCompleted,
			Performance:  &domain.Performance{TotalProfitPct: profit, TotalTrades: 42, SharpeRatio: 1.2},
		},
		RunNumber: 1,
	}
}

func TestConsole_ReportBatch_Table(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	err := c.ReportBatch(context.Background(), domain.BatchSummary{
		SessionID: 7,
		BatchID:   "0123456789abcdef",
		Mode:      domain.ModeOptimize,
		Strategies: []domain.StrategyOutcome{
			{Strategy: "Alpha", Attempts: 3, Succeeded: 2, Failed: 1, BestRunID: 4, BestProfit: ptr(12.5)},
			{Strategy: "Beta", Attempts: 3, Failed: 3, LastError: "hyperopt Beta failed (exit 2)"},
		},
		Attempts:  6,
		Succeeded: 2,
		Failed:    4,
		Duration:  90 * time.Second,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "session 7")
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "Alpha")
	assert.Contains(t, out, "12.50%")
	assert.Contains(t, out, "strategies ok: 1/2")
	assert.NotContains(t, out, "every attempt failed")
}

func TestConsole_ReportBatch_AllFailedAndEmpty(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	require.NoError(t, c.ReportBatch(context.Background(), domain.BatchSummary{
		Mode:       domain.ModeValidate,
		Strategies: []domain.StrategyOutcome{{Strategy: "Beta", Attempts: 1, Failed: 1}},
		Attempts:   1,
		Failed:     1,
	}))
	assert.Contains(t, buf.String(), "every attempt failed")

	buf.Reset()
	require.NoError(t, c.ReportBatch(context.Background(), domain.BatchSummary{Mode: domain.ModeValidate}))
	assert.Contains(t, buf.String(), "nothing to run")
}

func TestConsole_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatJSON)

	require.NoError(t, c.PrintOptimizations("Best", []domain.OptimizationRun{makeOpt(1, "Alpha", 10)}))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "Alpha", decoded[0]["StrategyName"])
}

func TestConsole_PrintCompare(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	bt := domain.BacktestRun{RunBase: domain.RunBase{
		ID: 9, StrategyName: "Alpha", Status: domain.StatusCompleted,
		Performance: &domain.Performance{TotalProfitPct: 4},
	}}
	pairs := []analysis.Pair{
		{Optimization: makeOpt(1, "Alpha", 10), Backtest: &bt, Gap: ptr(6.0), Class: domain.GapOverfitRisk},
		{Optimization: makeOpt(2, "Alpha", 3), Class: domain.GapNotComparable},
	}
	require.NoError(t, c.PrintCompare("Alpha", pairs))

	out := buf.String()
	assert.Contains(t, out, "Reality gap: Alpha (2)")
	assert.Contains(t, out, "+6.00")
	assert.Contains(t, out, string(domain.GapOverfitRisk))
	assert.Contains(t, out, string(domain.GapNotComparable))
}

func TestConsole_PrintStatsAndEmptyLists(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	require.NoError(t, c.PrintStats(analysis.Stats{
		Optimizations: analysis.KindStats{Total: 3, Completed: 2, Failed: 1, Strategies: 2},
		Sessions:      2,
		OpenSessions:  1,
		Pairs:         1,
		AvgGap:        ptr(2.5),
		ByClass:       map[domain.GapClass]int{domain.GapAcceptable: 1},
	}))
	out := buf.String()
	assert.Contains(t, out, "Sessions: 2 (1 open)")
	assert.Contains(t, out, "ACCEPTABLE:1")

	buf.Reset()
	require.NoError(t, c.PrintTimeline("Ghost", nil))
	assert.Contains(t, buf.String(), "no results")
}

func TestConsole_PrintSessionSummary(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	closed := time.Now()
	require.NoError(t, c.PrintSessionSummary(analysis.SessionSummary{
		Session: domain.Session{
			ID:             3,
			SessionContext: domain.SessionContext{Kind: domain.SessionBacktest, BatchID: "b", RelatedSessionID: ptr(int64(1))},
			ClosedAt:       &closed,
			Total:          2,
			Succeeded:      1,
			Failed:         1,
		},
		Runs:       2,
		Completed:  1,
		Failed:     1,
		Strategies: 1,
		Consistent: false,
	}))
	out := buf.String()
	assert.Contains(t, out, "SESSION 3 (backtest, closed")
	assert.Contains(t, out, "Validates:    session 1")
	assert.Contains(t, out, "counters disagree")
}

func TestConsole_PrintTrades(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	bt := domain.BacktestRun{RunBase: domain.RunBase{ID: 9, StrategyName: "Alpha"}}
	require.NoError(t, c.PrintTrades(analysis.TradeReport{
		Backtest:       bt,
		Total:          3,
		AvgProfitPct:   1.5,
		TotalProfitAbs: 4.2,
		ByPair:         []analysis.TradeGroup{{Key: "BTC/USDT", Trades: 2, AvgProfitPct: 2, TotalProfitAbs: 3}},
		ByExitReason:   []analysis.TradeGroup{{Key: "roi", Trades: 3, AvgProfitPct: 1.5}},
	}))
	out := buf.String()
	assert.Contains(t, out, "TRADES OF BACKTEST 9 (Alpha)")
	assert.Contains(t, out, "BTC/USDT")
	assert.Contains(t, out, "roi")
	assert.Contains(t, out, "1.50%")

	buf.Reset()
	require.NoError(t, c.PrintTrades(analysis.TradeReport{Backtest: bt}))
	assert.Contains(t, buf.String(), "no trades stored")
}

func TestConsole_PrintExports(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, notify.FormatTable)

	require.NoError(t, c.PrintExports("Best optimization configs", "/tmp/out", []analysis.ExportedConfig{
		{RunID: 1, Strategy: "Alpha", Path: "/tmp/out/01_Alpha.json", ParamsPath: "/tmp/out/01_Alpha_params.json"},
		{RunID: 2, Strategy: "Beta", Skipped: "no config stored"},
	}))
	out := buf.String()
	assert.Contains(t, out, "01_Alpha_params.json")
	assert.Contains(t, out, "Beta #2: no config stored")
	assert.Contains(t, out, "exported to /tmp/out")
}
