// Package session owns the lifecycle of batch sessions: start, atomic attempt
// counting and close. Counters live in the store and are never recomputed
// from row scans here.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

// Tracker wraps a SessionStore.
type Tracker struct {
	store ports.SessionStore
	now   func() time.Time
}

// NewTracker returns a Tracker over store.
func NewTracker(store ports.SessionStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Start opens a session with zero counters. A batch id is generated when the
// context carries none.
func (t *Tracker) Start(ctx context.Context, sc domain.SessionContext) (int64, error) {
	if sc.BatchID == "" {
		sc.BatchID = uuid.NewString()
	}
	id, err := t.store.CreateSession(ctx, sc)
	if err != nil {
		return 0, fmt.Errorf("session.Start: %w", err)
	}
	slog.Info("session started", "session_id", id, "kind", sc.Kind, "batch_id", sc.BatchID)
	return id, nil
}

// RecordAttempt counts one attempt. It fails with domain.ErrClosedSession on
// a closed session and domain.ErrNotFound on an unknown one.
func (t *Tracker) RecordAttempt(ctx context.Context, id int64, success bool) error {
	if err := t.store.IncrementSession(ctx, id, success); err != nil {
		return fmt.Errorf("session.RecordAttempt: %w", err)
	}
	return nil
}

// Close stamps the session duration and freezes its counters.
func (t *Tracker) Close(ctx context.Context, id int64) (domain.Session, error) {
	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session.Close: %w", err)
	}
	if s.Closed() {
		return s, fmt.Errorf("session.Close: session %d: %w", id, domain.ErrClosedSession)
	}

	duration := int(t.now().Sub(s.StartedAt).Seconds())
	if err := t.store.CloseSession(ctx, id, duration); err != nil {
		return domain.Session{}, fmt.Errorf("session.Close: %w", err)
	}

	s, err = t.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session.Close: reload: %w", err)
	}
	slog.Info("session closed",
		"session_id", id,
		"total", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"duration_s", s.DurationSeconds,
	)
	return s, nil
}

// Get returns the current state of a session.
func (t *Tracker) Get(ctx context.Context, id int64) (domain.Session, error) {
	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session.Get: %w", err)
	}
	return s, nil
}

// ListOpen returns sessions that were never closed, newest first. After an
// interrupted batch this is where a restart picks up.
func (t *Tracker) ListOpen(ctx context.Context, kind domain.SessionKind) ([]domain.Session, error) {
	sessions, err := t.store.ListSessions(ctx, kind, true)
	if err != nil {
		return nil, fmt.Errorf("session.ListOpen: %w", err)
	}
	return sessions, nil
}

// List returns every session of a kind, open or closed, newest first. An
// empty kind lists both kinds.
func (t *Tracker) List(ctx context.Context, kind domain.SessionKind) ([]domain.Session, error) {
	sessions, err := t.store.ListSessions(ctx, kind, false)
	if err != nil {
		return nil, fmt.Errorf("session.List: %w", err)
	}
	return sessions, nil
}
