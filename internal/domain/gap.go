package domain

// GapClass is the verdict on a reality gap.
type GapClass string

const (
	GapOverfitRisk    GapClass = "OVERFIT_RISK"
	GapUnderoptimized GapClass = "UNDEROPTIMIZED"
	GapAcceptable     GapClass = "ACCEPTABLE"
	// GapNotComparable labels pairs where one side is missing or failed.
	// ClassifyGap never returns it.
	GapNotComparable GapClass = "NOT_COMPARABLE"
)

// Default thresholds, in profit percentage points.
const (
	DefaultGapHigh = 5.0
	DefaultGapLow  = -2.0
)

// Thresholds bound the ACCEPTABLE band of a reality gap.
type Thresholds struct {
	High float64
	Low  float64
}

// DefaultThresholds returns the documented defaults (5.0, -2.0).
func DefaultThresholds() Thresholds {
	return Thresholds{High: DefaultGapHigh, Low: DefaultGapLow}
}

// RealityGap is optimization profit minus backtest profit. Positive means the
// optimization overstated performance.
func RealityGap(optimizationProfitPct, backtestProfitPct float64) float64 {
	return optimizationProfitPct - backtestProfitPct
}

// ClassifyGap applies strict comparisons: a gap equal to a threshold is
// ACCEPTABLE.
func ClassifyGap(gap float64, t Thresholds) GapClass {
	switch {
	case gap > t.High:
		return GapOverfitRisk
	case gap < t.Low:
		return GapUnderoptimized
	default:
		return GapAcceptable
	}
}
