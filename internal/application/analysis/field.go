package analysis

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// Blob names one of the opaque JSON payloads stored with a run.
type Blob string

const (
	BlobResult  Blob = "result"
	BlobConfig  Blob = "config"
	BlobSession Blob = "session"
)

// Field reads one value out of a stored JSON payload with a gjson path
// (e.g. "strategy.RSIStrategy.trades.#", "stake_amount"). The store never
// parses these blobs; this is the only place that does, on demand.
func (a *Analyzer) Field(ctx context.Context, kind domain.RunKind, id int64, blob Blob, path string) (gjson.Result, error) {
	run, err := a.store.GetByID(ctx, kind, id)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("analysis.Field: %w", err)
	}

	b := run.Common()
	var raw []byte
	switch blob {
	case BlobResult, "":
		raw = b.ResultJSON
	case BlobConfig:
		raw = b.ConfigJSON
	case BlobSession:
		raw = b.SessionInfo
	default:
		return gjson.Result{}, fmt.Errorf("analysis.Field: %w: unknown blob %q", domain.ErrQuery, blob)
	}

	if len(raw) == 0 {
		return gjson.Result{}, fmt.Errorf("analysis.Field: %s %d has no %s payload: %w", kind, id, blob, domain.ErrNotFound)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("analysis.Field: %s %d: %s payload is not valid JSON: %w", kind, id, blob, domain.ErrQuery)
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return res, fmt.Errorf("analysis.Field: path %q in %s %d: %w", path, kind, id, domain.ErrNotFound)
	}
	return res, nil
}
