package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOptimizations(t *testing.T, ctx context.Context, db interface {
	InsertOptimization(context.Context, domain.OptimizationRun) (int64, error)
}) []int64 {
	t.Helper()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		strategy  string
		timeframe string
		profit    float64
		failed    bool
	}{
		{"TrendA", "5m", 12.0, false},
		{"TrendB", "5m", 3.5, false},
		{"Mean*Rev", "1h", -1.0, false},
		{"TrendA", "1h", 0, true},
		{"Scalper", "5m", 8.0, false},
	}
	ids := make([]int64, 0, len(rows))
	for i, r := range rows {
		run := makeOptimization(r.strategy, r.profit, base.Add(time.Duration(i)*time.Hour))
		run.Config.Timeframe = r.timeframe
		if r.failed {
			run.Status = domain.StatusFailed
			run.Performance = nil
		}
		id, err := db.InsertOptimization(ctx, run)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func withLimit(q domain.Query, n int) domain.Query {
	q.Limit = n
	return q
}

func strategies(runs []domain.OptimizationRun) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.StrategyName
	}
	return out
}

func TestQuery_FiltersAndOrder(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	seedOptimizations(t, ctx, db)

	tests := []struct {
		name string
		q    domain.Query
		want []string
	}{
		{
			name: "no filters, default id order",
			q:    domain.Query{},
			want: []string{"TrendA", "TrendB", "Mean*Rev", "TrendA", "Scalper"},
		},
		{
			name: "timeframe eq, profit desc",
			q:    domain.Query{}.Where("timeframe", domain.OpEq, "5m").Sort("total_profit_pct", true),
			want: []string{"TrendA", "Scalper", "TrendB"},
		},
		{
			name: "profit gt with limit",
			q:    withLimit(domain.Query{}.Where("total_profit_pct", domain.OpGt, 3.5).Sort("total_profit_pct", false), 1),
			want: []string{"Scalper"},
		},
		{
			name: "prefix",
			q:    domain.Query{}.Where("strategy_name", domain.OpPrefix, "Trend"),
			want: []string{"TrendA", "TrendB", "TrendA"},
		},
		{
			name: "prefix with glob metacharacter is literal",
			q:    domain.Query{}.Where("strategy_name", domain.OpPrefix, "Mean*"),
			want: []string{"Mean*Rev"},
		},
		{
			name: "status as typed value",
			q:    domain.Query{}.Where("status", domain.OpEq, domain.StatusFailed),
			want: []string{"TrendA"},
		},
		{
			name: "null metrics",
			q:    domain.Query{}.Where("total_profit_pct", domain.OpNull, nil),
			want: []string{"TrendA"},
		},
		{
			name: "timestamp range",
			q: domain.Query{}.
				Where("timestamp", domain.OpGte, time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)).
				Where("timestamp", domain.OpLt, time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)),
			want: []string{"TrendB", "Mean*Rev"},
		},
		{
			name: "ne",
			q:    domain.Query{}.Where("strategy_name", domain.OpNe, "TrendA").Sort("id", true),
			want: []string{"Scalper", "Mean*Rev", "TrendB"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runs, err := db.QueryOptimizations(ctx, tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.want, strategies(runs))
		})
	}
}

func TestQuery_Rejected(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	bad := []domain.Query{
		domain.Query{}.Where("raw_output", domain.OpEq, "x"),
		domain.Query{}.Where("strategy_name; DROP TABLE hyperopt_results", domain.OpEq, "x"),
		domain.Query{}.Where("strategy_name", domain.FilterOp("like"), "x"),
		domain.Query{}.Where("total_profit_pct", domain.OpPrefix, "1"),
		domain.Query{}.Where("strategy_name", domain.OpEq, nil),
		domain.Query{}.Sort("config_json", false),
		domain.Query{}.Where("optimization_id", domain.OpNull, nil),
	}
	for _, q := range bad {
		_, err := db.QueryOptimizations(ctx, q)
		assert.ErrorIs(t, err, domain.ErrQuery, "%+v", q)
	}

	_, err := db.QueryBacktests(ctx, domain.Query{}.Where("run_number", domain.OpEq, 1))
	assert.ErrorIs(t, err, domain.ErrQuery)

	_, err = db.Query(ctx, domain.RunKind("nope"), domain.Query{})
	assert.ErrorIs(t, err, domain.ErrQuery)
}

func TestQuery_RunVariant(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	ids := seedOptimizations(t, ctx, db)

	_, err := db.InsertBacktest(ctx, makeBacktest("TrendA", 2, time.Now(), &ids[0]))
	require.NoError(t, err)

	runs, err := db.Query(ctx, domain.KindBacktest, domain.Query{}.Where("optimization_id", domain.OpEq, ids[0]))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.KindBacktest, runs[0].Kind())

	runs, err = db.Query(ctx, domain.KindOptimization, domain.Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
