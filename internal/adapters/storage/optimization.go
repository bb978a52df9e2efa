package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// InsertOptimization validates run and stores it. The id is assigned by
// SQLite AUTOINCREMENT, so it is unique and never reused.
func (s *SQLiteStorage) InsertOptimization(ctx context.Context, run domain.OptimizationRun) (int64, error) {
	id, err := s.insertOptimization(ctx, run, false)
	if err != nil {
		return 0, fmt.Errorf("storage.InsertOptimization: %w", err)
	}
	return id, nil
}

// RecordOptimization stores run and counts it as an attempt of its session
// in the same transaction. A closed session rejects both.
func (s *SQLiteStorage) RecordOptimization(ctx context.Context, run domain.OptimizationRun) (int64, error) {
	id, err := s.insertOptimization(ctx, run, true)
	if err != nil {
		return 0, fmt.Errorf("storage.RecordOptimization: %w", err)
	}
	return id, nil
}

func (s *SQLiteStorage) insertOptimization(ctx context.Context, run domain.OptimizationRun, count bool) (int64, error) {
	if err := run.Validate(); err != nil {
		return 0, err
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now()
	}

	args, err := baseArgs(run.RunBase)
	if err != nil {
		return 0, err
	}
	spaces, err := json.Marshal(run.Spaces)
	if err != nil {
		return 0, fmt.Errorf("marshal spaces: %w", err)
	}
	args = append(args, run.LossFunction, run.Epochs, string(spaces), run.RunNumber)

	query := fmt.Sprintf(`INSERT INTO hyperopt_results (%s) VALUES (%s)`,
		insertColumns(optimizationColumns), placeholders(len(args)))

	var id int64
	err = s.inTx(ctx, "insert optimization", func(tx *sql.Tx) error {
		if err := checkSession(ctx, tx, run.SessionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if count {
			return countAttempt(ctx, tx, run.SessionID, run.Status == domain.StatusCompleted)
		}
		return nil
	})
	return id, err
}

// GetOptimization loads one optimization run by id.
func (s *SQLiteStorage) GetOptimization(ctx context.Context, id int64) (domain.OptimizationRun, error) {
	var run domain.OptimizationRun
	err := s.withRetry(ctx, "storage.GetOptimization", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+optimizationColumns+` FROM hyperopt_results WHERE id = ?`, id)
		var err error
		run, err = scanOptimization(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("storage.GetOptimization: optimization %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return run, fmt.Errorf("storage.GetOptimization: %w", err)
	}
	return run, nil
}

// QueryOptimizations lists optimization runs matching q.
func (s *SQLiteStorage) QueryOptimizations(ctx context.Context, q domain.Query) ([]domain.OptimizationRun, error) {
	where, order, args, err := buildQuery(optimizationFields, q)
	if err != nil {
		return nil, fmt.Errorf("storage.QueryOptimizations: %w", err)
	}
	query := `SELECT ` + optimizationColumns + ` FROM hyperopt_results` + where + order

	var runs []domain.OptimizationRun
	err = s.withRetry(ctx, "storage.QueryOptimizations", func() error {
		runs = runs[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanOptimization(rows)
			if err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage.QueryOptimizations: %w", err)
	}
	return runs, nil
}

// DeleteOptimization removes an optimization run. Deletion is rejected while
// any backtest still references it; delete those backtests first.
func (s *SQLiteStorage) DeleteOptimization(ctx context.Context, id int64) error {
	err := s.inTx(ctx, "storage.DeleteOptimization", func(tx *sql.Tx) error {
		var linked int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM backtest_results WHERE optimization_id = ?`, id,
		).Scan(&linked); err != nil {
			return fmt.Errorf("count linked backtests: %w", err)
		}
		if linked > 0 {
			return fmt.Errorf("optimization %d is referenced by %d backtest(s): %w", id, linked, domain.ErrReference)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM hyperopt_results WHERE id = ?`, id)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("optimization %d: %w", id, domain.ErrReference)
			}
			return fmt.Errorf("delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("optimization %d: %w", id, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.DeleteOptimization: %w", err)
	}
	return nil
}

// checkSession rejects runs that point at an unknown session.
// countAttempt is IncrementSession inside an insert transaction. The session
// must be open.
func countAttempt(ctx context.Context, tx *sql.Tx, sessionID *int64, success bool) error {
	if sessionID == nil {
		return fmt.Errorf("count attempt: %w: run has no session", domain.ErrValidation)
	}
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET total = total + 1, succeeded = succeeded + ?, failed = failed + ?
		WHERE id = ? AND closed_at IS NULL`, succ, fail, *sessionID)
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// checkSession already proved the row exists
		return fmt.Errorf("session %d: %w", *sessionID, domain.ErrClosedSession)
	}
	return nil
}

func checkSession(ctx context.Context, tx *sql.Tx, sessionID *int64) error {
	if sessionID == nil {
		return nil
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, *sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %d does not exist: %w", *sessionID, domain.ErrReference)
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}
