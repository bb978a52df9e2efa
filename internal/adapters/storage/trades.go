package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// InsertTrades bulk-inserts trades for an existing backtest in a single
// transaction: either every trade is stored or none is.
func (s *SQLiteStorage) InsertTrades(ctx context.Context, backtestID int64, trades []domain.Trade) error {
	for i := range trades {
		if err := trades[i].Validate(); err != nil {
			return fmt.Errorf("storage.InsertTrades: trade %d: %w", i, err)
		}
	}

	err := s.inTx(ctx, "storage.InsertTrades", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM backtest_results WHERE id = ?`, backtestID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("backtest %d does not exist: %w", backtestID, domain.ErrReference)
		}
		if err != nil {
			return fmt.Errorf("check backtest: %w", err)
		}
		return insertTrades(ctx, tx, backtestID, trades)
	})
	if err != nil {
		return fmt.Errorf("storage.InsertTrades: %w", err)
	}
	return nil
}

func insertTrades(ctx context.Context, tx *sql.Tx, backtestID int64, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
			(backtest_id, pair, open_date, close_date, open_rate, close_rate, amount,
			 profit_pct, profit_abs, duration_minutes, exit_reason, is_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trades: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			backtestID,
			t.Pair,
			formatTime(t.OpenDate),
			nullableTime(t.CloseDate),
			t.OpenRate,
			t.CloseRate,
			t.Amount,
			t.ProfitPct,
			t.ProfitAbs,
			t.DurationMinutes,
			t.ExitReason,
			boolInt(t.IsOpen),
		); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("insert trade %s: %w", t.Pair, domain.ErrReference)
			}
			return fmt.Errorf("insert trade %s: %w", t.Pair, err)
		}
	}
	return nil
}

// Trades returns the trades of a backtest ordered by open date.
func (s *SQLiteStorage) Trades(ctx context.Context, backtestID int64) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.withRetry(ctx, "storage.Trades", func() error {
		trades = trades[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, backtest_id, pair, open_date, close_date, open_rate, close_rate, amount,
			       profit_pct, profit_abs, duration_minutes, exit_reason, is_open
			FROM backtest_trades
			WHERE backtest_id = ?
			ORDER BY open_date, id`, backtestID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				t         domain.Trade
				openDate  string
				closeDate sql.NullString
				reason    sql.NullString
				isOpen    int
			)
			if err := rows.Scan(
				&t.ID, &t.BacktestID, &t.Pair, &openDate, &closeDate,
				&t.OpenRate, &t.CloseRate, &t.Amount, &t.ProfitPct, &t.ProfitAbs,
				&t.DurationMinutes, &reason, &isOpen,
			); err != nil {
				return fmt.Errorf("scan trade: %w", err)
			}
			if t.OpenDate, err = parseTime(openDate); err != nil {
				return err
			}
			if closeDate.Valid {
				cd, err := parseTime(closeDate.String)
				if err != nil {
					return err
				}
				t.CloseDate = &cd
			}
			t.ExitReason = reason.String
			t.IsOpen = isOpen == 1
			trades = append(trades, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage.Trades: %w", err)
	}
	return trades, nil
}
