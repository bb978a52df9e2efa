package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// ResultStore persists optimization and backtest results with referential
// integrity between them.
type ResultStore interface {
	// InsertOptimization validates and stores a run, returning its new id.
	InsertOptimization(ctx context.Context, run domain.OptimizationRun) (int64, error)

	// InsertBacktest validates and stores a run. A set OptimizationID must
	// point to an existing optimization of the same strategy.
	InsertBacktest(ctx context.Context, run domain.BacktestRun) (int64, error)

	// InsertBacktestWithTrades stores a backtest and its trades atomically.
	InsertBacktestWithTrades(ctx context.Context, run domain.BacktestRun, trades []domain.Trade) (int64, error)

	// RecordOptimization stores a run and counts it as an attempt of its
	// session in one transaction.
	RecordOptimization(ctx context.Context, run domain.OptimizationRun) (int64, error)

	// RecordBacktest is RecordOptimization for a backtest and its trades.
	RecordBacktest(ctx context.Context, run domain.BacktestRun, trades []domain.Trade) (int64, error)

	// InsertTrades bulk-inserts trades for an existing backtest, all or nothing.
	InsertTrades(ctx context.Context, backtestID int64, trades []domain.Trade) error

	GetByID(ctx context.Context, kind domain.RunKind, id int64) (domain.Run, error)
	GetOptimization(ctx context.Context, id int64) (domain.OptimizationRun, error)
	GetBacktest(ctx context.Context, id int64) (domain.BacktestRun, error)

	Query(ctx context.Context, kind domain.RunKind, q domain.Query) ([]domain.Run, error)
	QueryOptimizations(ctx context.Context, q domain.Query) ([]domain.OptimizationRun, error)
	QueryBacktests(ctx context.Context, q domain.Query) ([]domain.BacktestRun, error)

	Trades(ctx context.Context, backtestID int64) ([]domain.Trade, error)

	// DeleteOptimization is rejected with domain.ErrReference while backtests
	// still link to the optimization.
	DeleteOptimization(ctx context.Context, id int64) error
	// DeleteBacktest removes the backtest and its trades.
	DeleteBacktest(ctx context.Context, id int64) error
	// Prune applies retention to runs older than the cutoff.
	Prune(ctx context.Context, olderThan time.Time) (PruneResult, error)

	Close() error
}

// PruneResult counts rows removed by a retention pass.
type PruneResult struct {
	Backtests     int64
	Optimizations int64
}
