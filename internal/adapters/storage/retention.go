package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/realitygap/internal/ports"
)

// Prune deletes runs older than olderThan. Backtests go first (their trades
// cascade); optimizations are only removed once no backtest links to them, so
// retention never breaks a comparison pair that is still kept.
func (s *SQLiteStorage) Prune(ctx context.Context, olderThan time.Time) (ports.PruneResult, error) {
	cutoff := formatTime(olderThan)

	var out ports.PruneResult
	err := s.inTx(ctx, "storage.Prune", func(tx *sql.Tx) error {
		out = ports.PruneResult{}

		res, err := tx.ExecContext(ctx, `DELETE FROM backtest_results WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune backtests: %w", err)
		}
		out.Backtests, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM hyperopt_results
			WHERE timestamp < ?
			  AND NOT EXISTS (SELECT 1 FROM backtest_results b WHERE b.optimization_id = hyperopt_results.id)`,
			cutoff)
		if err != nil {
			return fmt.Errorf("prune optimizations: %w", err)
		}
		out.Optimizations, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return ports.PruneResult{}, fmt.Errorf("storage.Prune: %w", err)
	}

	if out.Backtests > 0 || out.Optimizations > 0 {
		slog.Info("pruned old results",
			"backtests", out.Backtests,
			"optimizations", out.Optimizations,
			"cutoff", olderThan.Format(time.RFC3339),
		)
	}
	return out, nil
}
