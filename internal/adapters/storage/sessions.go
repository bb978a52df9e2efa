package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

const sessionColumns = `id, kind, batch_id, started_at, closed_at, total, succeeded, failed,
	duration_seconds, exchange_name, timeframe, timerange, hyperopt_function, epochs, related_session_id`

// CreateSession opens a new session with zeroed counters.
func (s *SQLiteStorage) CreateSession(ctx context.Context, sc domain.SessionContext) (int64, error) {
	if sc.Kind != domain.SessionOptimization && sc.Kind != domain.SessionBacktest {
		return 0, fmt.Errorf("storage.CreateSession: %w: unknown session kind %q", domain.ErrValidation, sc.Kind)
	}
	if sc.BatchID == "" {
		return 0, fmt.Errorf("storage.CreateSession: %w: empty batch id", domain.ErrValidation)
	}

	var id int64
	err := s.inTx(ctx, "storage.CreateSession", func(tx *sql.Tx) error {
		if sc.RelatedSessionID != nil {
			if err := checkSession(ctx, tx, sc.RelatedSessionID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sessions
				(kind, batch_id, started_at, exchange_name, timeframe, timerange,
				 hyperopt_function, epochs, related_session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(sc.Kind),
			sc.BatchID,
			formatTime(time.Now()),
			sc.Exchange,
			sc.Timeframe,
			sc.TimeRange,
			sc.LossFunction,
			sc.Epochs,
			nullableID(sc.RelatedSessionID),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage.CreateSession: %w", err)
	}
	return id, nil
}

// IncrementSession bumps total and exactly one of succeeded/failed in a single
// statement, so concurrent callers never lose an update.
func (s *SQLiteStorage) IncrementSession(ctx context.Context, id int64, success bool) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}

	err := s.withRetry(ctx, "storage.IncrementSession", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET total = total + 1, succeeded = succeeded + ?, failed = failed + ?
			WHERE id = ? AND closed_at IS NULL`, succ, fail, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		return s.sessionMissOrClosed(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("storage.IncrementSession: %w", err)
	}
	return nil
}

// CloseSession stamps closed_at and the duration. Closing twice fails with
// domain.ErrClosedSession and leaves the first duration in place.
func (s *SQLiteStorage) CloseSession(ctx context.Context, id int64, durationSeconds int) error {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	err := s.withRetry(ctx, "storage.CloseSession", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET closed_at = ?, duration_seconds = ?
			WHERE id = ? AND closed_at IS NULL`, formatTime(time.Now()), durationSeconds, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		return s.sessionMissOrClosed(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("storage.CloseSession: %w", err)
	}
	return nil
}

// sessionMissOrClosed explains why a guarded UPDATE touched no row.
func (s *SQLiteStorage) sessionMissOrClosed(ctx context.Context, id int64) error {
	var closed sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT closed_at FROM sessions WHERE id = ?`, id).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if closed.Valid {
		return fmt.Errorf("session %d: %w", id, domain.ErrClosedSession)
	}
	return fmt.Errorf("session %d: no row updated", id)
}

// GetSession loads one session by id.
func (s *SQLiteStorage) GetSession(ctx context.Context, id int64) (domain.Session, error) {
	var sess domain.Session
	err := s.withRetry(ctx, "storage.GetSession", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		var err error
		sess, err = scanSession(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("storage.GetSession: session %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return sess, fmt.Errorf("storage.GetSession: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions of a kind, newest first. An empty kind lists
// every session.
func (s *SQLiteStorage) ListSessions(ctx context.Context, kind domain.SessionKind, openOnly bool) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if openOnly {
		query += ` AND closed_at IS NULL`
	}
	query += ` ORDER BY started_at DESC, id DESC`

	var sessions []domain.Session
	err := s.withRetry(ctx, "storage.ListSessions", func() error {
		sessions = sessions[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage.ListSessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess      domain.Session
		kind      string
		startedAt string
		closedAt  sql.NullString
		exchange  sql.NullString
		timeframe sql.NullString
		timerange sql.NullString
		lossFn    sql.NullString
		epochs    sql.NullInt64
		related   sql.NullInt64
	)
	if err := row.Scan(
		&sess.ID, &kind, &sess.BatchID, &startedAt, &closedAt,
		&sess.Total, &sess.Succeeded, &sess.Failed, &sess.DurationSeconds,
		&exchange, &timeframe, &timerange, &lossFn, &epochs, &related,
	); err != nil {
		return sess, err
	}

	var err error
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return sess, err
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return sess, err
		}
		sess.ClosedAt = &t
	}
	sess.Kind = domain.SessionKind(kind)
	sess.Exchange = exchange.String
	sess.Timeframe = timeframe.String
	sess.TimeRange = timerange.String
	sess.LossFunction = lossFn.String
	sess.Epochs = int(epochs.Int64)
	sess.RelatedSessionID = idPtr(related)
	return sess, nil
}
