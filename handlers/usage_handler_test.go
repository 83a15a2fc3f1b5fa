package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/services/ledger"
	"go.uber.org/zap"
)

// MockUsageReader is a mock implementation of ledger.Reader
type MockUsageReader struct {
	mock.Mock
}

func (m *MockUsageReader) ListByRequest(ctx context.Context, requestID string) ([]*ledger.UsageRecord, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.UsageRecord), args.Error(1)
}

func (m *MockUsageReader) Summarize(ctx context.Context, tenantID string, since time.Time) ([]ledger.Summary, error) {
	args := m.Called(ctx, tenantID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.Summary), args.Error(1)
}

func usageRequest(target, tenant string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if tenant != "" {
		req = req.WithContext(observability.WithTenantID(req.Context(), tenant))
	}
	return req
}

func TestHandleSummary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("aggregates rows", func(t *testing.T) {
		summarizer := new(MockUsageReader)
		summarizer.On("Summarize", mock.Anything, "acme", now.Add(-24*time.Hour)).Return([]ledger.Summary{
			{Provider: "anthropic", Model: "claude", Requests: 2, TotalTokens: 300, TotalCost: 0.5},
			{Provider: "openai", Model: "gpt-4o", Requests: 3, TotalTokens: 200, TotalCost: 0.25},
		}, nil)

		handler := NewUsageHandler(summarizer, zap.NewNop())
		handler.now = func() time.Time { return now }

		w := httptest.NewRecorder()
		handler.HandleSummary(w, usageRequest("/api/v1/usage", "acme"))

		require.Equal(t, http.StatusOK, w.Code)
		var envelope struct {
			Data UsageSummaryResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
		assert.Equal(t, "acme", envelope.Data.TenantID)
		assert.Equal(t, int64(5), envelope.Data.Requests)
		assert.Equal(t, int64(500), envelope.Data.TotalTokens)
		assert.InDelta(t, 0.75, envelope.Data.TotalCost, 1e-9)
		assert.Len(t, envelope.Data.Breakdown, 2)
		summarizer.AssertExpectations(t)
	})

	t.Run("window parameter", func(t *testing.T) {
		summarizer := new(MockUsageReader)
		summarizer.On("Summarize", mock.Anything, "acme", now.Add(-time.Hour)).Return([]ledger.Summary{}, nil)

		handler := NewUsageHandler(summarizer, zap.NewNop())
		handler.now = func() time.Time { return now }

		w := httptest.NewRecorder()
		handler.HandleSummary(w, usageRequest("/api/v1/usage?window=1h", "acme"))

		assert.Equal(t, http.StatusOK, w.Code)
		summarizer.AssertExpectations(t)
	})

	t.Run("reads through the memory sink", func(t *testing.T) {
		sink := ledger.NewMemorySink()
		require.NoError(t, sink.Append(context.Background(),
			ledger.NewUsageRecord("r1", "acme", "alpha", "alpha-1", "sync").WithTokens(10, 20).WithCost(0.1, 0.2, 0.3, "USD")))

		w := httptest.NewRecorder()
		NewUsageHandler(sink, zap.NewNop()).HandleSummary(w, usageRequest("/api/v1/usage", "acme"))

		require.Equal(t, http.StatusOK, w.Code)
		var envelope struct {
			Data UsageSummaryResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
		assert.Equal(t, int64(1), envelope.Data.Requests)
		assert.Equal(t, int64(30), envelope.Data.TotalTokens)
	})

	tests := []struct {
		name       string
		target     string
		tenant     string
		wantStatus int
	}{
		{"missing tenant", "/api/v1/usage", "", http.StatusBadRequest},
		{"bad since", "/api/v1/usage?since=yesterday", "acme", http.StatusBadRequest},
		{"negative window", "/api/v1/usage?window=-1h", "acme", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summarizer := new(MockUsageReader)
			w := httptest.NewRecorder()
			NewUsageHandler(summarizer, zap.NewNop()).HandleSummary(w, usageRequest(tt.target, tt.tenant))

			assert.Equal(t, tt.wantStatus, w.Code)
			summarizer.AssertNotCalled(t, "Summarize", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("ledger failure", func(t *testing.T) {
		summarizer := new(MockUsageReader)
		summarizer.On("Summarize", mock.Anything, "acme", mock.Anything).Return(nil, errors.New("connection refused"))

		w := httptest.NewRecorder()
		NewUsageHandler(summarizer, zap.NewNop()).HandleSummary(w, usageRequest("/api/v1/usage", "acme"))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}

func TestHandleRequestUsage(t *testing.T) {
	serve := func(reader ledger.Reader, requestID, tenant string) *httptest.ResponseRecorder {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("requestId", requestID)
		req := usageRequest("/api/v1/usage/requests/"+requestID, tenant)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

		w := httptest.NewRecorder()
		NewUsageHandler(reader, zap.NewNop()).HandleRequestUsage(w, req)
		return w
	}

	sink := ledger.NewMemorySink()
	require.NoError(t, sink.AppendBatch(context.Background(), []*ledger.UsageRecord{
		ledger.NewUsageRecord("r1", "acme", "alpha", "alpha-1", "sync").WithTokens(10, 20).WithCost(0.1, 0.2, 0.3, "USD"),
		ledger.NewUsageRecord("r1", "acme", "beta", "beta-1", "hybrid").WithTokens(5, 5).WithCost(0.05, 0.05, 0.1, "USD"),
		ledger.NewUsageRecord("r2", "globex", "alpha", "alpha-1", "sync").WithTokens(1, 1),
	}))

	t.Run("lists the request's records", func(t *testing.T) {
		w := serve(sink, "r1", "acme")

		require.Equal(t, http.StatusOK, w.Code)
		var envelope struct {
			Data RequestUsageResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
		assert.Equal(t, "r1", envelope.Data.RequestID)
		assert.Len(t, envelope.Data.Records, 2)
		assert.Equal(t, int64(40), envelope.Data.TotalTokens)
		assert.InDelta(t, 0.4, envelope.Data.TotalCost, 1e-9)
	})

	t.Run("other tenants see nothing", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, serve(sink, "r2", "acme").Code)
	})

	t.Run("missing tenant", func(t *testing.T) {
		reader := new(MockUsageReader)
		assert.Equal(t, http.StatusBadRequest, serve(reader, "r1", "").Code)
		reader.AssertNotCalled(t, "ListByRequest", mock.Anything, mock.Anything)
	})

	t.Run("ledger failure", func(t *testing.T) {
		reader := new(MockUsageReader)
		reader.On("ListByRequest", mock.Anything, "r1").Return(nil, errors.New("connection refused"))

		w := serve(reader, "r1", "acme")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})
}
