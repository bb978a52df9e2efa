package analysis_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

func withConfig(cfg string) runOpt {
	return func(b *domain.RunBase) { b.ConfigJSON = json.RawMessage(cfg) }
}

func withParams(params string) runOpt {
	return func(b *domain.RunBase) { b.ResultJSON = json.RawMessage(params) }
}

func withConfigFile(path string) runOpt {
	return func(b *domain.RunBase) { b.ConfigFilePath = path }
}

func TestExportBestConfigs_Optimizations(t *testing.T) {
	db, a := setup(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "best_hyperopt_configs")

	fromFile := filepath.Join(t.TempDir(), "Beta.json")
	require.NoError(t, os.WriteFile(fromFile, []byte(`{"stake_amount":50}`), 0o644))

	top := addOpt(t, db, "Alpha", 30, t0, withConfig(`{"max_open_trades":3}`), withParams(`{"params":{"buy":{"rsi":30}}}`))
	second := addOpt(t, db, "Beta", 20, t0, withConfigFile(fromFile))
	addOpt(t, db, "Gamma", 10, t0)

	exports, err := a.ExportBestConfigs(ctx, domain.KindOptimization, dir, 5, 0)
	require.NoError(t, err)
	require.Len(t, exports, 3)

	assert.Equal(t, top, exports[0].RunID)
	assert.Equal(t, filepath.Join(dir, "01_Alpha_optimization_profit+30.00_id1.json"), exports[0].Path)
	b, err := os.ReadFile(exports[0].Path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_open_trades":3}`, string(b))
	b, err = os.ReadFile(exports[0].ParamsPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"params":{"buy":{"rsi":30}}}`, string(b))

	assert.Equal(t, second, exports[1].RunID)
	b, err = os.ReadFile(exports[1].Path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stake_amount":50}`, string(b))
	assert.Empty(t, exports[1].ParamsPath)

	assert.Equal(t, "Gamma", exports[2].Strategy)
	assert.NotEmpty(t, exports[2].Skipped)
	assert.Empty(t, exports[2].Path)
}

func TestExportBestConfigs_BacktestsAndBadKind(t *testing.T) {
	db, a := setup(t)
	ctx := context.Background()
	dir := t.TempDir()

	addBT(t, db, "Alpha", 5, t0, nil, withConfig(`{"timeframe":"5m"}`), withParams(`{"strategy":{}}`))

	exports, err := a.ExportBestConfigs(ctx, domain.KindBacktest, dir, 5, 0)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.FileExists(t, exports[0].Path)
	assert.Empty(t, exports[0].ParamsPath, "only optimizations carry params")

	_, err = a.ExportBestConfigs(ctx, "live", dir, 5, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
