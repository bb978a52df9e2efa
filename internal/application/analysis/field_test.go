package analysis_test

import (
	"context"
	"testing"

	"github.com/alejandrodnm/realitygap/internal/application/analysis"
	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField(t *testing.T) {
	db, a := setup(t)
	ctx := context.Background()

	run := domain.BacktestRun{RunBase: base("RSIStrategy", 5, t0)}
	run.ResultJSON = []byte(`{"strategy":{"RSIStrategy":{"total_trades":45,"trades":[{"pair":"BTC/USDT"},{"pair":"ETH/USDT"}]}}}`)
	run.ConfigJSON = []byte(`{"stake_amount":100}`)
	id, err := db.InsertBacktest(ctx, run)
	require.NoError(t, err)

	v, err := a.Field(ctx, domain.KindBacktest, id, analysis.BlobResult, "strategy.RSIStrategy.total_trades")
	require.NoError(t, err)
	assert.Equal(t, int64(45), v.Int())

	v, err = a.Field(ctx, domain.KindBacktest, id, analysis.BlobResult, "strategy.RSIStrategy.trades.#")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Int())

	v, err = a.Field(ctx, domain.KindBacktest, id, analysis.BlobConfig, "stake_amount")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v.Float(), 1e-9)

	_, err = a.Field(ctx, domain.KindBacktest, id, analysis.BlobResult, "strategy.Nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = a.Field(ctx, domain.KindBacktest, id, analysis.BlobSession, "batch_id")
	assert.ErrorIs(t, err, domain.ErrNotFound, "no session payload stored")

	_, err = a.Field(ctx, domain.KindBacktest, id, analysis.Blob("weird"), "x")
	assert.ErrorIs(t, err, domain.ErrQuery)

	_, err = a.Field(ctx, domain.KindOptimization, id+10, analysis.BlobResult, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
