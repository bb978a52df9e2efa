package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/realitygap/config"
	"github.com/alejandrodnm/realitygap/internal/adapters/freqtrade"
	"github.com/alejandrodnm/realitygap/internal/adapters/notify"
	"github.com/alejandrodnm/realitygap/internal/adapters/storage"
	"github.com/alejandrodnm/realitygap/internal/application/analysis"
	"github.com/alejandrodnm/realitygap/internal/application/session"
	"github.com/alejandrodnm/realitygap/internal/domain"
)

// newTestApp arma un app sobre una base en memoria que escribe en buf.
func newTestApp(t *testing.T, buf *bytes.Buffer, f flags) *app {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &app{
		cfg:      &config.Config{},
		flags:    f,
		store:    db,
		tracker:  session.NewTracker(db),
		analyzer: analysis.NewAnalyzer(db, db, domain.Thresholds{}),
		console:  notify.NewConsoleWriter(buf, notify.FormatTable),
	}
}

func TestSplitStrategies(t *testing.T) {
	assert.Equal(t, []string{"Alpha", "Beta"}, splitStrategies(" Alpha, ,Beta,"))
	assert.Nil(t, splitStrategies(""))
}

func TestReport_ExitSemantics(t *testing.T) {
	var buf bytes.Buffer
	a := &app{console: notify.NewConsoleWriter(&buf, notify.FormatTable)}
	ctx := context.Background()

	ok := domain.BatchSummary{
		Mode: domain.ModeOptimize, Attempts: 2, Succeeded: 1, Failed: 1,
		Strategies: []domain.StrategyOutcome{{Strategy: "Alpha", Attempts: 2, Succeeded: 1, Failed: 1}},
	}
	assert.NoError(t, a.report(ctx, ok, nil))

	failed := domain.BatchSummary{Mode: domain.ModeOptimize, Attempts: 2, Failed: 2}
	assert.ErrorIs(t, a.report(ctx, failed, nil), errAllFailed)

	empty := domain.BatchSummary{Mode: domain.ModeValidate}
	assert.NoError(t, a.report(ctx, empty, nil), "nada que validar no es un fallo")

	boom := errors.New("disk full")
	assert.ErrorIs(t, a.report(ctx, ok, boom), boom)
	assert.Contains(t, buf.String(), "strategies ok")
}

func TestResolveStrategies(t *testing.T) {
	var buf bytes.Buffer
	a := newTestApp(t, &buf, flags{})
	userDir := t.TempDir()
	a.executor = freqtrade.NewExecutor(freqtrade.Config{UserDir: userDir})

	got, err := a.resolveStrategies("Beta, Alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"Beta", "Alpha"}, got)

	dir := filepath.Join(userDir, "strategies")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	_, err = a.resolveStrategies("all")
	assert.ErrorIs(t, err, domain.ErrValidation, "directorio vacío")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rsi.py"),
		[]byte("class RSIStrategy(IStrategy):\n    pass\n"), 0o644))
	got, err = a.resolveStrategies("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"RSIStrategy"}, got)
}

func TestShowSessions_AllIncludesClosed(t *testing.T) {
	var buf bytes.Buffer
	a := newTestApp(t, &buf, flags{sessions: true})
	ctx := context.Background()

	closed, err := a.tracker.Start(ctx, domain.SessionContext{Kind: domain.SessionOptimization, BatchID: "closed-batch"})
	require.NoError(t, err)
	_, err = a.tracker.Close(ctx, closed)
	require.NoError(t, err)
	_, err = a.tracker.Start(ctx, domain.SessionContext{Kind: domain.SessionBacktest, BatchID: "open-batch"})
	require.NoError(t, err)

	require.NoError(t, a.dispatch(ctx))
	assert.Contains(t, buf.String(), "Open sessions (1)")
	assert.NotContains(t, buf.String(), "closed-b")

	buf.Reset()
	a.flags.all = true
	require.NoError(t, a.dispatch(ctx))
	assert.Contains(t, buf.String(), "Sessions (2)")
	assert.Contains(t, buf.String(), "closed-b")
	assert.Contains(t, buf.String(), "open-bat")
}

func TestShowTrades(t *testing.T) {
	var buf bytes.Buffer
	a := newTestApp(t, &buf, flags{})
	ctx := context.Background()

	id, err := a.store.InsertBacktestWithTrades(ctx, domain.BacktestRun{RunBase: domain.RunBase{
		StrategyName: "Alpha",
		Status:       domain.StatusCompleted,
		Performance:  &domain.Performance{TotalProfitPct: 2, TotalTrades: 1},
	}}, []domain.Trade{{Pair: "SOL/USDT", OpenDate: time.Now(), ProfitPct: 2, ExitReason: "roi"}})
	require.NoError(t, err)

	a.flags.trades = id
	require.NoError(t, a.dispatch(ctx))
	assert.Contains(t, buf.String(), "SOL/USDT")

	a.flags.trades = id + 1
	assert.ErrorIs(t, a.dispatch(ctx), domain.ErrNotFound)
}

func TestRunExport(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	a := newTestApp(t, &buf, flags{export: dir})
	ctx := context.Background()

	_, err := a.store.InsertOptimization(ctx, domain.OptimizationRun{
		RunBase: domain.RunBase{
			StrategyName: "Alpha",
			Status:       domain.StatusCompleted,
			Performance:  &domain.Performance{TotalProfitPct: 12, TotalTrades: 40},
			ConfigJSON:   json.RawMessage(`{"max_open_trades":3}`),
		},
		RunNumber: 1,
	})
	require.NoError(t, err)

	require.NoError(t, a.dispatch(ctx))
	files, err := filepath.Glob(filepath.Join(dir, "best_hyperopt_configs", "*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.DirExists(t, filepath.Join(dir, "best_backtest_configs"))
	assert.Contains(t, buf.String(), "Best backtest configs (0)")
}
