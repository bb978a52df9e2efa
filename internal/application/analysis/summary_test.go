package analysis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSummary_MatchesLiveCounters(t *testing.T) {
	db, a := setup(t)
	ctx := context.Background()

	sid, err := db.CreateSession(ctx, domain.SessionContext{Kind: domain.SessionOptimization, BatchID: "b1"})
	require.NoError(t, err)

	for i, p := range []float64{10, 0, 30} {
		run := domain.OptimizationRun{RunBase: base("S", p, t0.Add(time.Duration(i)*time.Minute)), RunNumber: i + 1}
		run.SessionID = &sid
		success := p != 0
		if !success {
			run.Status = domain.StatusFailed
			run.Performance = nil
		}
		_, err := db.InsertOptimization(ctx, run)
		require.NoError(t, err)
		require.NoError(t, db.IncrementSession(ctx, sid, success))
	}

	sum, err := a.SessionSummary(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Runs)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Strategies)
	require.NotNil(t, sum.AvgProfitPct)
	assert.InDelta(t, 20, *sum.AvgProfitPct, 1e-9)
	require.NotNil(t, sum.BestProfit)
	assert.InDelta(t, 30, *sum.BestProfit, 1e-9)
	assert.True(t, sum.Consistent)

	// a counter bump without a row is caught by the cross-check
	require.NoError(t, db.IncrementSession(ctx, sid, true))
	sum, err = a.SessionSummary(ctx, sid)
	require.NoError(t, err)
	assert.False(t, sum.Consistent)
}

func TestSessionSummary_Unknown(t *testing.T) {
	_, a := setup(t)
	_, err := a.SessionSummary(context.Background(), 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStats(t *testing.T) {
	db, a := setup(t)
	ctx := context.Background()

	o1 := addOpt(t, db, "A", 10, t0)
	o2 := addOpt(t, db, "B", 20, t0)
	addOpt(t, db, "B", 0, t0, failed())
	addBT(t, db, "A", 6, t0, &o1)  // gap 4
	addBT(t, db, "B", 30, t0, &o2) // gap -10
	addBT(t, db, "B", 0, t0, &o2, failed())
	addBT(t, db, "C", 3, t0, nil)
	_, err := db.CreateSession(ctx, domain.SessionContext{Kind: domain.SessionBacktest, BatchID: "x"})
	require.NoError(t, err)

	st, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Optimizations.Total)
	assert.Equal(t, 2, st.Optimizations.Completed)
	assert.Equal(t, 1, st.Optimizations.Failed)
	assert.Equal(t, 2, st.Optimizations.Strategies)
	assert.Equal(t, "B", st.Optimizations.BestStrategy)
	assert.Equal(t, 4, st.Backtests.Total)
	assert.Equal(t, 3, st.Backtests.Strategies)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.OpenSessions)

	assert.Equal(t, 2, st.Pairs)
	require.NotNil(t, st.AvgGap)
	assert.InDelta(t, -3.0, *st.AvgGap, 1e-9)
	assert.Equal(t, 1, st.ByClass[domain.GapAcceptable])
	assert.Equal(t, 1, st.ByClass[domain.GapUnderoptimized])
	assert.Equal(t, 1, st.ByClass[domain.GapNotComparable])
}

func TestStats_Empty(t *testing.T) {
	_, a := setup(t)
	st, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Optimizations.Total)
	assert.Nil(t, st.AvgGap)
	assert.Nil(t, st.Optimizations.AvgProfitPct)
}
