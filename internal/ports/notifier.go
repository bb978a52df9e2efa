package ports

import (
	"context"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// BatchReporter presents the outcome of a batch to the user.
type BatchReporter interface {
	ReportBatch(ctx context.Context, summary domain.BatchSummary) error
}
