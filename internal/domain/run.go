package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the outcome of a single external run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// IsValid returns true if the status is one of the known values.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RunKind tags a record as an optimization or a backtest.
type RunKind string

const (
	KindOptimization RunKind = "optimization"
	KindBacktest     RunKind = "backtest"
)

// IsValid returns true if the kind is one of the known values.
func (k RunKind) IsValid() bool {
	return k == KindOptimization || k == KindBacktest
}

// RunConfig is the trading setup an external run was launched with.
type RunConfig struct {
	Timeframe     string   `json:"timeframe" validate:"required"`
	StakeAmount   float64  `json:"stake_amount"`
	StakeCurrency string   `json:"stake_currency"`
	TimeRange     string   `json:"timerange"`
	PairWhitelist []string `json:"pair_whitelist"`
	Exchange      string   `json:"exchange"`
	MaxOpenTrades int      `json:"max_open_trades" validate:"gte=-1"`
}

// Performance holds the summary metrics reported by a successful run.
type Performance struct {
	TotalProfitPct float64 `json:"total_profit_pct"`
	TotalProfitAbs float64 `json:"total_profit_abs"`
	TotalTrades    int     `json:"total_trades" validate:"gte=0"`
	WinRate        float64 `json:"win_rate"`
	AvgProfitPct   float64 `json:"avg_profit_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	ProfitFactor   float64 `json:"profit_factor"`
	Expectancy     float64 `json:"expectancy"`
	WinningTrades  int     `json:"winning_trades" validate:"gte=0"`
	LosingTrades   int     `json:"losing_trades" validate:"gte=0"`
	DrawTrades     int     `json:"draw_trades" validate:"gte=0"`
}

// RunBase is the field set shared by both run kinds.
type RunBase struct {
	ID           int64
	StrategyName string    `validate:"required"`
	Timestamp    time.Time
	Status       RunStatus `validate:"required"`
	Config       RunConfig
	Performance  *Performance // nil when the run produced no metrics

	// Opaque payloads, stored verbatim.
	ConfigJSON  json.RawMessage
	ResultJSON  json.RawMessage
	SessionInfo json.RawMessage
	RawOutput   string

	ConfigFilePath  string
	ResultFilePath  string
	DurationSeconds int `validate:"gte=0"`
	SessionID       *int64
	ErrorMessage    string
}

// Common returns the shared fields. It lets both kinds satisfy Run.
func (b RunBase) Common() RunBase { return b }

// ProfitPct returns total_profit_pct, or false if the run has no metrics.
func (b RunBase) ProfitPct() (float64, bool) {
	if b.Performance == nil {
		return 0, false
	}
	return b.Performance.TotalProfitPct, true
}

// Comparable reports whether the run can take part in a gap computation.
func (b RunBase) Comparable() bool {
	return b.Status == StatusCompleted && b.Performance != nil
}

// OptimizationRun is one hyperparameter-optimization attempt.
type OptimizationRun struct {
	RunBase
	LossFunction string
	Epochs       int `validate:"gte=0"`
	Spaces       []string
	RunNumber    int `validate:"gte=1"`
}

// Kind implements Run.
func (OptimizationRun) Kind() RunKind { return KindOptimization }

// BacktestRun is one validation backtest, optionally linked to the
// optimization whose parameters it replays.
type BacktestRun struct {
	RunBase
	MaxDrawdownAbs   float64
	BestTradePct     float64
	WorstTradePct    float64
	AvgTradeDuration string
	OptimizationID   *int64
}

// Kind implements Run.
func (BacktestRun) Kind() RunKind { return KindBacktest }

// Run is implemented by OptimizationRun and BacktestRun.
type Run interface {
	Kind() RunKind
	Common() RunBase
}
