package domain

import "time"

// Trade is one position opened during a backtest. It belongs to exactly one
// BacktestRun and is removed with it.
type Trade struct {
	ID              int64
	BacktestID      int64
	Pair            string `validate:"required"`
	OpenDate        time.Time
	CloseDate       *time.Time
	OpenRate        float64
	CloseRate       float64
	Amount          float64
	ProfitPct       float64
	ProfitAbs       float64
	DurationMinutes int `validate:"gte=0"`
	ExitReason      string
	IsOpen          bool
}
