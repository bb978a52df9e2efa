package domain

import (
	"errors"
	"fmt"
)

// Contract violations. They are returned to the caller as-is (wrapped) and
// never coerced into something else.
var (
	ErrValidation    = errors.New("validation error")
	ErrReference     = errors.New("reference error")
	ErrQuery         = errors.New("query error")
	ErrNotFound      = errors.New("not found")
	ErrClosedSession = errors.New("session is closed")
)

// ExecutionFailure describes an external run that did not produce a usable
// result: timeout, non-zero exit or unparseable output. The orchestrator
// turns it into a failed record; it is not propagated past the batch.
type ExecutionFailure struct {
	Strategy   string
	Kind       RunKind
	ExitStatus int
	Reason     string
	Output     string
	Err        error
}

func (e *ExecutionFailure) Error() string {
	msg := fmt.Sprintf("%s %s failed (exit %d): %s", e.Kind, e.Strategy, e.ExitStatus, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }
