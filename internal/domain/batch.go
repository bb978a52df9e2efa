package domain

import "time"

// BatchMode selects what a batch runs.
type BatchMode string

const (
	ModeOptimize BatchMode = "optimize"
	ModeValidate BatchMode = "validate"
)

// StrategyOutcome is the per-strategy rollup of a batch. For optimization
// batches a strategy succeeds if any of its attempts did.
type StrategyOutcome struct {
	Strategy   string
	Attempts   int
	Succeeded  int
	Failed     int
	BestRunID  int64
	BestProfit *float64
	RunIDs     []int64
	// Optimization id a validation backtest was linked to.
	OptimizationID *int64
	LastError      string
}

// OK reports whether at least one attempt of the strategy succeeded.
func (o StrategyOutcome) OK() bool { return o.Succeeded > 0 }

// BatchSummary is the final report of RunBatch.
type BatchSummary struct {
	SessionID  int64
	BatchID    string
	Mode       BatchMode
	Strategies []StrategyOutcome
	Attempts   int
	Succeeded  int
	Failed     int
	Duration   time.Duration
}

// StrategiesOK counts strategies with at least one successful attempt.
func (s BatchSummary) StrategiesOK() int {
	n := 0
	for _, o := range s.Strategies {
		if o.OK() {
			n++
		}
	}
	return n
}

// AllFailed reports a batch that attempted runs and got zero successes.
// Front-ends signal it with a non-zero exit. An empty batch (nothing left to
// validate) is not a failure.
func (s BatchSummary) AllFailed() bool { return s.Attempts > 0 && s.Succeeded == 0 }
