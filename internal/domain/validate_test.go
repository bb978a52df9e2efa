package domain_test

import (
	"testing"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptimization() domain.OptimizationRun {
	return domain.OptimizationRun{
		RunBase: domain.RunBase{
			StrategyName: "RSIStrategy",
			Status:       domain.StatusCompleted,
			Config:       domain.RunConfig{Timeframe: "5m", MaxOpenTrades: 3},
			Performance:  &domain.Performance{TotalProfitPct: 25.12, TotalTrades: 45},
		},
		RunNumber: 1,
	}
}

func TestOptimizationRun_Validate(t *testing.T) {
	require.NoError(t, validOptimization().Validate())

	tests := []struct {
		name   string
		mutate func(r *domain.OptimizationRun)
	}{
		{"empty strategy", func(r *domain.OptimizationRun) { r.StrategyName = "" }},
		{"empty timeframe", func(r *domain.OptimizationRun) { r.Config.Timeframe = "" }},
		{"negative trades", func(r *domain.OptimizationRun) { r.Performance.TotalTrades = -1 }},
		{"completed without metrics", func(r *domain.OptimizationRun) { r.Performance = nil }},
		{"unknown status", func(r *domain.OptimizationRun) { r.Status = "running" }},
		{"zero run number", func(r *domain.OptimizationRun) { r.RunNumber = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validOptimization()
			perf := *r.Performance
			r.Performance = &perf
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestOptimizationRun_FailedWithoutMetricsIsValid(t *testing.T) {
	r := validOptimization()
	r.Status = domain.StatusFailed
	r.Performance = nil
	assert.NoError(t, r.Validate())
}

func TestBacktestRun_Validate(t *testing.T) {
	bad := int64(0)
	r := domain.BacktestRun{
		RunBase: domain.RunBase{
			StrategyName: "RSIStrategy",
			Status:       domain.StatusFailed,
			Config:       domain.RunConfig{Timeframe: "1h"},
		},
		OptimizationID: &bad,
	}
	assert.ErrorIs(t, r.Validate(), domain.ErrValidation)

	r.OptimizationID = nil
	assert.NoError(t, r.Validate())
}

func TestRun_Variant(t *testing.T) {
	runs := []domain.Run{validOptimization(), domain.BacktestRun{RunBase: domain.RunBase{StrategyName: "X"}}}
	assert.Equal(t, domain.KindOptimization, runs[0].Kind())
	assert.Equal(t, domain.KindBacktest, runs[1].Kind())
	assert.Equal(t, "X", runs[1].Common().StrategyName)

	p, ok := runs[0].Common().ProfitPct()
	assert.True(t, ok)
	assert.Equal(t, 25.12, p)
	_, ok = runs[1].Common().ProfitPct()
	assert.False(t, ok)
}
