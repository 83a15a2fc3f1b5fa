package execution

import (
	"time"

	"github.com/upb/llm-execution-core/services/providers"
)

// Status is the lifecycle state of a result
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Result is the normalized outcome handed back to callers. Content is nil
// unless Status is completed; JobID is set only while pending.
type Result struct {
	RequestID   string          `json:"requestId"`
	Content     *string         `json:"content"`
	Status      Status          `json:"status"`
	Usage       providers.Usage `json:"usage"`
	Cost        providers.Cost  `json:"cost"`
	LatencyMs   int64           `json:"latencyMs"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Strategy    StrategyName    `json:"strategy,omitempty"`
	CacheHit    bool            `json:"cacheHit"`
	JobID       string          `json:"jobId,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`

	// billable marks a result produced by a provider call made on behalf of
	// this caller. It is never serialized, so cached copies are never billable.
	billable bool
}

// Billable reports whether this result carries a fresh provider charge
func (r *Result) Billable() bool {
	return r != nil && r.billable
}

func completedResult(req *Request, res *providers.Resolution, resp *providers.ChatResponse, strategy StrategyName, latency time.Duration, now time.Time) Result {
	content := resp.Content
	usage := providers.NewUsage(max(0, resp.Usage.PromptTokens), max(0, resp.Usage.CompletionTokens))
	return Result{
		RequestID:   req.ID,
		Content:     &content,
		Status:      StatusCompleted,
		Usage:       usage,
		Cost:        providers.CalculateCost(res.Info, usage),
		LatencyMs:   latency.Milliseconds(),
		Provider:    res.Family,
		Model:       res.Model,
		Strategy:    strategy,
		Fingerprint: req.Fingerprint,
		CreatedAt:   now,
		billable:    true,
	}
}

// shared turns a stored or coalesced result into this caller's view: no
// incremental usage, no cost and no billing.
func shared(req *Request, stored Result, strategy StrategyName, latency time.Duration) *Result {
	out := stored
	out.RequestID = req.ID
	out.Usage = providers.Usage{}
	out.Cost = providers.Cost{Currency: providers.Currency}
	out.LatencyMs = latency.Milliseconds()
	out.Strategy = strategy
	out.CacheHit = true
	out.JobID = ""
	out.billable = false
	return &out
}
