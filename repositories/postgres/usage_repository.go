package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/upb/llm-execution-core/repositories"
	"github.com/upb/llm-execution-core/services/ledger"
	"go.uber.org/zap"
)

const usageTable = "usage_records"

var usageColumns = []string{
	"id", "request_id", "tenant_id", "provider", "model", "strategy",
	"prompt_tokens", "completion_tokens", "total_tokens",
	"input_cost", "output_cost", "total_cost", "currency",
	"latency_ms", "created_at",
}

// psql builds statements with $n placeholders
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// UsageRepository implements repositories.UsageRepository and ledger.Sink
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

var (
	_ repositories.UsageRepository = (*UsageRepository)(nil)
	_ ledger.Sink                  = (*UsageRepository)(nil)
	_ ledger.BatchSink             = (*UsageRepository)(nil)
	_ ledger.Reader                = (*UsageRepository)(nil)
)

// Append inserts a single usage record
func (r *UsageRepository) Append(ctx context.Context, record *ledger.UsageRecord) error {
	if err := r.insert(ctx, record); err != nil {
		return err
	}
	r.logger.Debug("usage record inserted",
		zap.String("id", record.ID.String()),
		zap.String("request_id", record.RequestID))
	return nil
}

// AppendBatch inserts records in one transaction
func (r *UsageRepository) AppendBatch(ctx context.Context, records []*ledger.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.inTx(ctx, func(txCtx context.Context) error {
		for _, record := range records {
			if err := r.insert(txCtx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *UsageRepository) insert(ctx context.Context, rec *ledger.UsageRecord) error {
	query, args, err := psql.Insert(usageTable).
		Columns(usageColumns...).
		Values(
			rec.ID, rec.RequestID, rec.TenantID, rec.Provider, rec.Model, rec.Strategy,
			rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
			rec.InputCost, rec.OutputCost, rec.TotalCost, rec.Currency,
			rec.LatencyMs, rec.CreatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := r.db.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// ListByRequest returns the records for a request ID, oldest first
func (r *UsageRepository) ListByRequest(ctx context.Context, requestID string) ([]*ledger.UsageRecord, error) {
	query, args, err := psql.Select(usageColumns...).
		From(usageTable).
		Where(sq.Eq{"request_id": requestID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*ledger.UsageRecord
	for rows.Next() {
		rec := &ledger.UsageRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.TenantID, &rec.Provider, &rec.Model, &rec.Strategy,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
			&rec.InputCost, &rec.OutputCost, &rec.TotalCost, &rec.Currency,
			&rec.LatencyMs, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

// Summarize aggregates a tenant's usage per provider and model
func (r *UsageRepository) Summarize(ctx context.Context, tenantID string, since time.Time) ([]ledger.Summary, error) {
	query, args, err := psql.Select(
		"provider",
		"model",
		"COUNT(*)",
		"COALESCE(SUM(prompt_tokens), 0)",
		"COALESCE(SUM(completion_tokens), 0)",
		"COALESCE(SUM(total_tokens), 0)",
		"COALESCE(SUM(total_cost), 0)",
	).
		From(usageTable).
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("provider", "model").
		OrderBy("provider", "model").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	summaries := []ledger.Summary{}
	for rows.Next() {
		var s ledger.Summary
		if err := rows.Scan(
			&s.Provider, &s.Model, &s.Requests,
			&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.TotalCost,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}
	return summaries, nil
}
