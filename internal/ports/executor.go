package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// ExecRequest describes one external optimization or backtest run.
type ExecRequest struct {
	Kind       domain.RunKind
	Strategy   string
	BatchID    string
	RunNumber  int
	ConfigFile string
	Config     domain.RunConfig

	// Optimization only.
	LossFunction string
	Epochs       int
	Spaces       []string
}

// ExecOutcome is everything the core consumes from an external run.
type ExecOutcome struct {
	ExitStatus     int
	Performance    *domain.Performance // nil when the run produced no metrics
	Backtest       BacktestExtras
	RawOutput      string
	ResultFilePath string
	ResultJSON     json.RawMessage
	ConfigJSON     json.RawMessage
	Trades         []domain.Trade
	Duration       time.Duration
}

// BacktestExtras are the backtest-only summary fields.
type BacktestExtras struct {
	MaxDrawdownAbs   float64
	BestTradePct     float64
	WorstTradePct    float64
	AvgTradeDuration string
}

// Executor runs the external optimizer/backtester. An error return means the
// run failed; the outcome may still carry raw output for diagnostics.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecOutcome, error)
}
