package repositories

import (
	"context"
	"time"

	"github.com/upb/llm-execution-core/services/ledger"
)

// UsageRepository persists the append-only usage ledger
type UsageRepository interface {
	// Append inserts one record; it satisfies ledger.Sink
	Append(ctx context.Context, record *ledger.UsageRecord) error

	// AppendBatch inserts records atomically
	AppendBatch(ctx context.Context, records []*ledger.UsageRecord) error

	// ListByRequest returns the records written for a request ID, oldest first
	ListByRequest(ctx context.Context, requestID string) ([]*ledger.UsageRecord, error)

	// Summarize aggregates a tenant's usage per provider and model since a point in time
	Summarize(ctx context.Context, tenantID string, since time.Time) ([]ledger.Summary, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Usage UsageRepository
}
