package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// UsageRecord is one append-only ledger row. It is never updated after creation.
type UsageRecord struct {
	ID               uuid.UUID `json:"id" db:"id"`
	RequestID        string    `json:"request_id" db:"request_id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	Provider         string    `json:"provider" db:"provider"`
	Model            string    `json:"model" db:"model"`
	Strategy         string    `json:"strategy" db:"strategy"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens" db:"total_tokens"`
	InputCost        float64   `json:"input_cost" db:"input_cost"`
	OutputCost       float64   `json:"output_cost" db:"output_cost"`
	TotalCost        float64   `json:"total_cost" db:"total_cost"`
	Currency         string    `json:"currency" db:"currency"`
	LatencyMs        int64     `json:"latency_ms" db:"latency_ms"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// NewUsageRecord creates a record with a fresh ID and timestamp
func NewUsageRecord(requestID, tenantID, provider, model, strategy string) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		TenantID:  tenantID,
		Provider:  provider,
		Model:     model,
		Strategy:  strategy,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}
}

// WithTokens sets token counts
func (r *UsageRecord) WithTokens(prompt, completion int) *UsageRecord {
	r.PromptTokens = prompt
	r.CompletionTokens = completion
	r.TotalTokens = prompt + completion
	return r
}

// WithCost sets the computed cost
func (r *UsageRecord) WithCost(input, output, total float64, currency string) *UsageRecord {
	r.InputCost = input
	r.OutputCost = output
	r.TotalCost = total
	if currency != "" {
		r.Currency = currency
	}
	return r
}

// WithLatency sets the end-to-end latency
func (r *UsageRecord) WithLatency(latencyMs int64) *UsageRecord {
	r.LatencyMs = latencyMs
	return r
}

// Sink is the append-only store behind the ledger
type Sink interface {
	Append(ctx context.Context, record *UsageRecord) error
}

// BatchSink is a Sink that can write several records atomically. The
// Service's writers prefer it when the sink offers it.
type BatchSink interface {
	Sink
	AppendBatch(ctx context.Context, records []*UsageRecord) error
}

// RequestLister returns the records billed to one request, oldest first
type RequestLister interface {
	ListByRequest(ctx context.Context, requestID string) ([]*UsageRecord, error)
}

// Reader is the query side of the ledger
type Reader interface {
	Summarizer
	RequestLister
}

// MemorySink keeps records in process. Used in development and tests.
type MemorySink struct {
	mu      sync.Mutex
	records []*UsageRecord
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of record
func (s *MemorySink) Append(_ context.Context, record *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records = append(s.records, &copied)
	return nil
}

// AppendBatch stores copies of records
func (s *MemorySink) AppendBatch(_ context.Context, records []*UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		copied := *record
		s.records = append(s.records, &copied)
	}
	return nil
}

// ListByRequest returns the records written for requestID in append order
func (s *MemorySink) ListByRequest(_ context.Context, requestID string) ([]*UsageRecord, error) {
	return lo.Filter(s.Records(), func(r *UsageRecord, _ int) bool {
		return r.RequestID == requestID
	}), nil
}

// Records returns the stored records in append order
func (s *MemorySink) Records() []*UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of stored records
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Summary aggregates a tenant's usage for one provider/model pair
type Summary struct {
	Provider         string  `json:"provider" db:"provider"`
	Model            string  `json:"model" db:"model"`
	Requests         int64   `json:"requests" db:"requests"`
	PromptTokens     int64   `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens" db:"total_tokens"`
	TotalCost        float64 `json:"total_cost" db:"total_cost"`
}

// Summarizer reports aggregated usage. Rows are ordered by provider, then model.
type Summarizer interface {
	Summarize(ctx context.Context, tenantID string, since time.Time) ([]Summary, error)
}

// Summarize aggregates the records of tenantID created at or after since
func (s *MemorySink) Summarize(_ context.Context, tenantID string, since time.Time) ([]Summary, error) {
	records := lo.Filter(s.Records(), func(r *UsageRecord, _ int) bool {
		return r.TenantID == tenantID && !r.CreatedAt.Before(since)
	})
	groups := lo.GroupBy(records, func(r *UsageRecord) string { return r.Provider + "\x00" + r.Model })

	out := make([]Summary, 0, len(groups))
	for _, group := range groups {
		sum := Summary{Provider: group[0].Provider, Model: group[0].Model}
		for _, r := range group {
			sum.Requests++
			sum.PromptTokens += int64(r.PromptTokens)
			sum.CompletionTokens += int64(r.CompletionTokens)
			sum.TotalTokens += int64(r.TotalTokens)
			sum.TotalCost += r.TotalCost
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}
