package storage

// sqlite.go: results store.
//
// Layout:
//   - `hyperopt_results` / `backtest_results`: one row per external run, success
//     or failure. A backtest may point at the optimization it validates.
//   - `sessions`: live counters of a batch, bumped with a single guarded UPDATE.
//   - `backtest_trades`: per-trade detail, owned by its backtest (ON DELETE CASCADE).
//   - JSON payloads (config, raw result, session info) are stored as TEXT and
//     never parsed here.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alejandrodnm/realitygap/internal/ports"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    kind               TEXT     NOT NULL,
    batch_id           TEXT     NOT NULL,
    started_at         TEXT     NOT NULL,
    closed_at          TEXT,
    total              INTEGER  NOT NULL DEFAULT 0,
    succeeded          INTEGER  NOT NULL DEFAULT 0,
    failed             INTEGER  NOT NULL DEFAULT 0,
    duration_seconds   INTEGER  NOT NULL DEFAULT 0,
    exchange_name      TEXT,
    timeframe          TEXT,
    timerange          TEXT,
    hyperopt_function  TEXT,
    epochs             INTEGER,
    related_session_id INTEGER REFERENCES sessions(id) ON DELETE SET NULL,
    CHECK (succeeded + failed <= total)
);

CREATE TABLE IF NOT EXISTS hyperopt_results (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_name     TEXT    NOT NULL CHECK (strategy_name <> ''),
    timestamp         TEXT    NOT NULL,
    status            TEXT    NOT NULL DEFAULT 'completed',

    max_open_trades   INTEGER,
    timeframe         TEXT    NOT NULL CHECK (timeframe <> ''),
    stake_amount      REAL,
    stake_currency    TEXT,
    timerange         TEXT,
    pair_whitelist    TEXT,
    exchange_name     TEXT,

    total_profit_pct  REAL,
    total_profit_abs  REAL,
    total_trades      INTEGER CHECK (total_trades IS NULL OR total_trades >= 0),
    win_rate          REAL,
    avg_profit_pct    REAL,
    max_drawdown_pct  REAL,
    sharpe_ratio      REAL,
    calmar_ratio      REAL,
    sortino_ratio     REAL,
    profit_factor     REAL,
    expectancy        REAL,
    winning_trades    INTEGER,
    losing_trades     INTEGER,
    draw_trades       INTEGER,

    config_file_path  TEXT,
    result_file_path  TEXT,
    config_json       TEXT,
    result_json       TEXT,
    raw_output        TEXT,
    error_message     TEXT,
    duration_seconds  INTEGER NOT NULL DEFAULT 0,
    session_id        INTEGER REFERENCES sessions(id) ON DELETE SET NULL,
    session_info      TEXT,

    hyperopt_function TEXT,
    epochs            INTEGER,
    spaces            TEXT,
    run_number        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS backtest_results (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_name      TEXT    NOT NULL CHECK (strategy_name <> ''),
    timestamp          TEXT    NOT NULL,
    status             TEXT    NOT NULL DEFAULT 'completed',

    max_open_trades    INTEGER,
    timeframe          TEXT    NOT NULL CHECK (timeframe <> ''),
    stake_amount       REAL,
    stake_currency     TEXT,
    timerange          TEXT,
    pair_whitelist     TEXT,
    exchange_name      TEXT,

    total_profit_pct   REAL,
    total_profit_abs   REAL,
    total_trades       INTEGER CHECK (total_trades IS NULL OR total_trades >= 0),
    win_rate           REAL,
    avg_profit_pct     REAL,
    max_drawdown_pct   REAL,
    sharpe_ratio       REAL,
    calmar_ratio       REAL,
    sortino_ratio      REAL,
    profit_factor      REAL,
    expectancy         REAL,
    winning_trades     INTEGER,
    losing_trades      INTEGER,
    draw_trades        INTEGER,

    config_file_path   TEXT,
    result_file_path   TEXT,
    config_json        TEXT,
    result_json        TEXT,
    raw_output         TEXT,
    error_message      TEXT,
    duration_seconds   INTEGER NOT NULL DEFAULT 0,
    session_id         INTEGER REFERENCES sessions(id) ON DELETE SET NULL,
    session_info       TEXT,

    max_drawdown_abs   REAL,
    best_trade_pct     REAL,
    worst_trade_pct    REAL,
    avg_trade_duration TEXT,
    optimization_id    INTEGER REFERENCES hyperopt_results(id) ON DELETE RESTRICT
);

CREATE TABLE IF NOT EXISTS backtest_trades (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    backtest_id      INTEGER NOT NULL REFERENCES backtest_results(id) ON DELETE CASCADE,
    pair             TEXT    NOT NULL,
    open_date        TEXT    NOT NULL,
    close_date       TEXT,
    open_rate        REAL    NOT NULL DEFAULT 0,
    close_rate       REAL    NOT NULL DEFAULT 0,
    amount           REAL    NOT NULL DEFAULT 0,
    profit_pct       REAL    NOT NULL DEFAULT 0,
    profit_abs       REAL    NOT NULL DEFAULT 0,
    duration_minutes INTEGER NOT NULL DEFAULT 0,
    exit_reason      TEXT,
    is_open          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_hyperopt_strategy_profit  ON hyperopt_results(strategy_name, total_profit_pct);
CREATE INDEX IF NOT EXISTS idx_hyperopt_timeframe_profit ON hyperopt_results(timeframe, total_profit_pct);
CREATE INDEX IF NOT EXISTS idx_hyperopt_timestamp        ON hyperopt_results(timestamp);
CREATE INDEX IF NOT EXISTS idx_hyperopt_status           ON hyperopt_results(status);
CREATE INDEX IF NOT EXISTS idx_hyperopt_session          ON hyperopt_results(session_id);

CREATE INDEX IF NOT EXISTS idx_backtest_strategy_profit  ON backtest_results(strategy_name, total_profit_pct);
CREATE INDEX IF NOT EXISTS idx_backtest_timeframe_profit ON backtest_results(timeframe, total_profit_pct);
CREATE INDEX IF NOT EXISTS idx_backtest_timestamp        ON backtest_results(timestamp);
CREATE INDEX IF NOT EXISTS idx_backtest_status           ON backtest_results(status);
CREATE INDEX IF NOT EXISTS idx_backtest_hyperopt         ON backtest_results(optimization_id);
CREATE INDEX IF NOT EXISTS idx_backtest_session          ON backtest_results(session_id);

CREATE INDEX IF NOT EXISTS idx_trades_backtest           ON backtest_trades(backtest_id);
CREATE INDEX IF NOT EXISTS idx_sessions_open             ON sessions(kind, closed_at);
`

// timeLayout is fixed-width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultMaxRetries = 3
	defaultRetryBase  = 100 * time.Millisecond
)

// Options tunes the store.
type Options struct {
	MaxRetries int           // retries on SQLITE_BUSY / SQLITE_LOCKED
	RetryBase  time.Duration // first backoff, doubled per retry
}

// DefaultOptions returns up to 3 retries starting at 100ms.
func DefaultOptions() Options {
	return Options{MaxRetries: defaultMaxRetries, RetryBase: defaultRetryBase}
}

// SQLiteStorage implements ports.ResultStore and ports.SessionStore using
// SQLite (pure Go, no CGo).
type SQLiteStorage struct {
	db         *sql.DB
	maxRetries int
	retryBase  time.Duration
}

var (
	_ ports.ResultStore  = (*SQLiteStorage)(nil)
	_ ports.SessionStore = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage opens (or creates) the database at path with default options.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	return Open(path, DefaultOptions())
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts Options) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.Open: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	slog.Debug("storage opened", "dsn", path)
	return &SQLiteStorage{db: db, maxRetries: opts.MaxRetries, retryBase: opts.RetryBase}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// withRetry runs fn, retrying transient lock errors with exponential backoff.
// Any other error is returned on the first failure.
func (s *SQLiteStorage) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == s.maxRetries {
			break
		}
		slog.Warn("storage busy, retrying", "op", op, "attempt", attempt+1, "err", err)
		if !s.sleep(ctx, attempt) {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: exhausted %d retries: %w", op, s.maxRetries, err)
}

// inTx runs fn inside a transaction, retried as a whole on lock errors.
func (s *SQLiteStorage) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// sleep waits with exponential backoff, returning false if ctx ended first.
func (s *SQLiteStorage) sleep(ctx context.Context, attempt int) bool {
	wait := time.Duration(math.Pow(2, float64(attempt))) * s.retryBase
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	if code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "FOREIGN KEY")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate rows written by hand or by older tooling
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
