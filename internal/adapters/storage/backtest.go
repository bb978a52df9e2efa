package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// InsertBacktest validates run and stores it. When run.OptimizationID is set
// the optimization must exist and belong to the same strategy, otherwise the
// insert fails with domain.ErrReference and nothing is written.
func (s *SQLiteStorage) InsertBacktest(ctx context.Context, run domain.BacktestRun) (int64, error) {
	id, err := s.insertBacktest(ctx, run, nil, false)
	if err != nil {
		return 0, fmt.Errorf("storage.InsertBacktest: %w", err)
	}
	return id, nil
}

// InsertBacktestWithTrades stores the backtest and its trades in one
// transaction.
func (s *SQLiteStorage) InsertBacktestWithTrades(ctx context.Context, run domain.BacktestRun, trades []domain.Trade) (int64, error) {
	id, err := s.insertBacktest(ctx, run, trades, false)
	if err != nil {
		return 0, fmt.Errorf("storage.InsertBacktestWithTrades: %w", err)
	}
	return id, nil
}

// RecordBacktest stores the backtest with its trades and counts it as an
// attempt of its session, all in one transaction.
func (s *SQLiteStorage) RecordBacktest(ctx context.Context, run domain.BacktestRun, trades []domain.Trade) (int64, error) {
	id, err := s.insertBacktest(ctx, run, trades, true)
	if err != nil {
		return 0, fmt.Errorf("storage.RecordBacktest: %w", err)
	}
	return id, nil
}

func (s *SQLiteStorage) insertBacktest(ctx context.Context, run domain.BacktestRun, trades []domain.Trade, count bool) (int64, error) {
	if err := run.Validate(); err != nil {
		return 0, err
	}
	for i := range trades {
		if err := trades[i].Validate(); err != nil {
			return 0, fmt.Errorf("trade %d: %w", i, err)
		}
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now()
	}

	args, err := baseArgs(run.RunBase)
	if err != nil {
		return 0, err
	}
	args = append(args,
		run.MaxDrawdownAbs, run.BestTradePct, run.WorstTradePct, run.AvgTradeDuration,
		nullableID(run.OptimizationID),
	)
	query := fmt.Sprintf(`INSERT INTO backtest_results (%s) VALUES (%s)`,
		insertColumns(backtestColumns), placeholders(len(args)))

	var id int64
	err = s.inTx(ctx, "insert backtest", func(tx *sql.Tx) error {
		if err := checkSession(ctx, tx, run.SessionID); err != nil {
			return err
		}
		if run.OptimizationID != nil {
			if err := checkOptimizationLink(ctx, tx, *run.OptimizationID, run.StrategyName); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("insert: %w: %v", domain.ErrReference, err)
			}
			return fmt.Errorf("insert: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if err := insertTrades(ctx, tx, id, trades); err != nil {
			return err
		}
		if count {
			return countAttempt(ctx, tx, run.SessionID, run.Status == domain.StatusCompleted)
		}
		return nil
	})
	return id, err
}

// checkOptimizationLink enforces that a linked optimization exists and shares
// the backtest's strategy.
func checkOptimizationLink(ctx context.Context, tx *sql.Tx, optimizationID int64, strategy string) error {
	var owner string
	err := tx.QueryRowContext(ctx,
		`SELECT strategy_name FROM hyperopt_results WHERE id = ?`, optimizationID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("optimization %d does not exist: %w", optimizationID, domain.ErrReference)
	}
	if err != nil {
		return fmt.Errorf("check optimization: %w", err)
	}
	if owner != strategy {
		return fmt.Errorf("optimization %d belongs to %q, not %q: %w",
			optimizationID, owner, strategy, domain.ErrReference)
	}
	return nil
}

// GetBacktest loads one backtest run by id.
func (s *SQLiteStorage) GetBacktest(ctx context.Context, id int64) (domain.BacktestRun, error) {
	var run domain.BacktestRun
	err := s.withRetry(ctx, "storage.GetBacktest", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+backtestColumns+` FROM backtest_results WHERE id = ?`, id)
		var err error
		run, err = scanBacktest(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("storage.GetBacktest: backtest %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return run, fmt.Errorf("storage.GetBacktest: %w", err)
	}
	return run, nil
}

// QueryBacktests lists backtest runs matching q.
func (s *SQLiteStorage) QueryBacktests(ctx context.Context, q domain.Query) ([]domain.BacktestRun, error) {
	where, order, args, err := buildQuery(backtestFields, q)
	if err != nil {
		return nil, fmt.Errorf("storage.QueryBacktests: %w", err)
	}
	query := `SELECT ` + backtestColumns + ` FROM backtest_results` + where + order

	var runs []domain.BacktestRun
	err = s.withRetry(ctx, "storage.QueryBacktests", func() error {
		runs = runs[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanBacktest(rows)
			if err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage.QueryBacktests: %w", err)
	}
	return runs, nil
}

// DeleteBacktest removes a backtest; its trades go with it.
func (s *SQLiteStorage) DeleteBacktest(ctx context.Context, id int64) error {
	err := s.inTx(ctx, "storage.DeleteBacktest", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM backtest_results WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("backtest %d: %w", id, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.DeleteBacktest: %w", err)
	}
	return nil
}
