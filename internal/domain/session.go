package domain

import "time"

// SessionKind says which run kind a session groups.
type SessionKind string

const (
	SessionOptimization SessionKind = "optimization"
	SessionBacktest     SessionKind = "backtest"
)

// SessionContext is the shared setup recorded when a session starts.
type SessionContext struct {
	Kind             SessionKind
	BatchID          string
	Exchange         string
	Timeframe        string
	TimeRange        string
	LossFunction     string
	Epochs           int
	RelatedSessionID *int64
}

// Session groups the runs of one batch. Counters are owned by the
// session tracker and only ever incremented.
type Session struct {
	ID int64
	SessionContext
	StartedAt       time.Time
	ClosedAt        *time.Time
	Total           int
	Succeeded       int
	Failed          int
	DurationSeconds int
}

// Closed reports whether the session was finalized.
func (s Session) Closed() bool { return s.ClosedAt != nil }
