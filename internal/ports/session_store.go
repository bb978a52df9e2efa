package ports

import (
	"context"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// SessionStore persists session aggregates.
type SessionStore interface {
	CreateSession(ctx context.Context, sc domain.SessionContext) (int64, error)

	// IncrementSession atomically bumps total plus succeeded or failed.
	// It fails with domain.ErrClosedSession once the session is closed and
	// with domain.ErrNotFound for unknown ids.
	IncrementSession(ctx context.Context, id int64, success bool) error

	// CloseSession stamps the duration and freezes the counters.
	CloseSession(ctx context.Context, id int64, durationSeconds int) error

	GetSession(ctx context.Context, id int64) (domain.Session, error)
	ListSessions(ctx context.Context, kind domain.SessionKind, openOnly bool) ([]domain.Session, error)
}
