package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/upb/llm-execution-core/middleware"
	"github.com/upb/llm-execution-core/services/ledger"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
)

const defaultUsageWindow = 24 * time.Hour

// UsageSummaryResponse is a tenant's aggregated spend
type UsageSummaryResponse struct {
	TenantID    string           `json:"tenantId"`
	Since       time.Time        `json:"since"`
	Requests    int64            `json:"requests"`
	TotalTokens int64            `json:"totalTokens"`
	TotalCost   float64          `json:"totalCost"`
	Breakdown   []ledger.Summary `json:"breakdown"`
}

// RequestUsageResponse lists what one request was billed
type RequestUsageResponse struct {
	RequestID   string                `json:"requestId"`
	TotalTokens int64                 `json:"totalTokens"`
	TotalCost   float64               `json:"totalCost"`
	Records     []*ledger.UsageRecord `json:"records"`
}

// UsageHandler reports billed usage from the ledger
type UsageHandler struct {
	reader ledger.Reader
	logger *zap.Logger
	now    func() time.Time
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(reader ledger.Reader, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{reader: reader, logger: logger, now: time.Now}
}

// HandleSummary handles GET /api/v1/usage. The tenant comes from the
// X-Tenant-ID header; the window from ?since=RFC3339 or ?window=duration.
func (h *UsageHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())
	if tenant == "" {
		_ = utils.WriteBadRequest(w, "tenant is required", map[string]interface{}{
			middleware.TenantHeader: "header is required",
		})
		return
	}

	since := h.now().Add(-defaultUsageWindow)
	q := r.URL.Query()
	switch {
	case q.Get("since") != "":
		t, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			_ = utils.WriteBadRequest(w, "since must be an RFC3339 timestamp", nil)
			return
		}
		since = t
	case q.Get("window") != "":
		d, err := time.ParseDuration(q.Get("window"))
		if err != nil || d <= 0 {
			_ = utils.WriteBadRequest(w, "window must be a positive duration", nil)
			return
		}
		since = h.now().Add(-d)
	}

	rows, err := h.reader.Summarize(r.Context(), tenant, since)
	if err != nil {
		h.logger.Error("usage summary failed", zap.String("tenant_id", tenant), zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "unavailable", "usage ledger unavailable", 0, nil)
		return
	}

	_ = utils.WriteOK(w, UsageSummaryResponse{
		TenantID:    tenant,
		Since:       since.UTC(),
		Requests:    lo.SumBy(rows, func(s ledger.Summary) int64 { return s.Requests }),
		TotalTokens: lo.SumBy(rows, func(s ledger.Summary) int64 { return s.TotalTokens }),
		TotalCost:   lo.SumBy(rows, func(s ledger.Summary) float64 { return s.TotalCost }),
		Breakdown:   rows,
	})
}

// HandleRequestUsage handles GET /api/v1/usage/requests/{requestId}. Only
// records of the caller's tenant are visible.
func (h *UsageHandler) HandleRequestUsage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())
	if tenant == "" {
		_ = utils.WriteBadRequest(w, "tenant is required", map[string]interface{}{
			middleware.TenantHeader: "header is required",
		})
		return
	}
	requestID := chi.URLParam(r, "requestId")

	records, err := h.reader.ListByRequest(r.Context(), requestID)
	if err != nil {
		h.logger.Error("usage lookup failed", zap.String("request_id", requestID), zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "unavailable", "usage ledger unavailable", 0, nil)
		return
	}
	records = lo.Filter(records, func(rec *ledger.UsageRecord, _ int) bool { return rec.TenantID == tenant })
	if len(records) == 0 {
		_ = utils.WriteNotFound(w, "no usage recorded for this request")
		return
	}

	_ = utils.WriteOK(w, RequestUsageResponse{
		RequestID:   requestID,
		TotalTokens: lo.SumBy(records, func(rec *ledger.UsageRecord) int64 { return int64(rec.TotalTokens) }),
		TotalCost:   lo.SumBy(records, func(rec *ledger.UsageRecord) float64 { return rec.TotalCost }),
		Records:     records,
	})
}
