package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/app"
	"github.com/upb/llm-execution-core/config"
	"github.com/upb/llm-execution-core/middleware"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{AllowedOrigins: []string{"https://console.example.com"}},
		Providers:   config.ProvidersConfig{FakeEnabled: true},
		Breaker:     config.BreakerConfig{FailureThreshold: 3, Cooldown: time.Second, Window: time.Minute},
		Cache: config.CacheConfig{
			Backend:        config.BackendMemory,
			MaxEntries:     100,
			TTLInteractive: time.Minute,
			TTLNormal:      time.Minute,
			TTLBackground:  time.Minute,
		},
		Queue: config.QueueConfig{
			Backend:           config.BackendMemory,
			Name:              "routes-test",
			MaxAttempts:       2,
			VisibilityTimeout: time.Minute,
		},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
		Maintenance:   config.MaintenanceConfig{SweepSchedule: "@every 1m"},
	}

	deps, err := app.NewDependencies(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	server := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(func() {
		server.Close()
		_ = deps.Close(context.Background())
	})
	return server
}

func send(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSetupRoutes(t *testing.T) {
	server := newTestServer(t)

	t.Run("health endpoints", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, send(t, http.MethodGet, server.URL+"/healthz", "", nil).StatusCode)
		assert.Equal(t, http.StatusOK, send(t, http.MethodGet, server.URL+"/readyz", "", nil).StatusCode)
		assert.Equal(t, http.StatusOK, send(t, http.MethodGet, server.URL+"/api/v1/health/providers", "", nil).StatusCode)
	})

	t.Run("execution round trip", func(t *testing.T) {
		resp := send(t, http.MethodPost, server.URL+"/api/v1/executions", `{"prompt":"hi"}`, map[string]string{
			middleware.RequestIDHeader: "route-req-1",
			middleware.TenantHeader:    "acme",
		})

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "route-req-1", resp.Header.Get(middleware.RequestIDHeader))

		var envelope struct {
			Success bool `json:"success"`
			Data    struct {
				RequestID string `json:"requestId"`
				Content   string `json:"content"`
				Provider  string `json:"provider"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		assert.True(t, envelope.Success)
		assert.Equal(t, "route-req-1", envelope.Data.RequestID)
		assert.Equal(t, "fake response from fake", envelope.Data.Content)
		assert.Equal(t, "fake", envelope.Data.Provider)

		// The ledger writes asynchronously
		assert.Eventually(t, func() bool {
			usage := send(t, http.MethodGet, server.URL+"/api/v1/usage", "", map[string]string{middleware.TenantHeader: "acme"})
			var summary struct {
				Data struct {
					Requests int64 `json:"requests"`
				} `json:"data"`
			}
			return usage.StatusCode == http.StatusOK &&
				json.NewDecoder(usage.Body).Decode(&summary) == nil &&
				summary.Data.Requests == 1
		}, 2*time.Second, 20*time.Millisecond)

		billed := send(t, http.MethodGet, server.URL+"/api/v1/usage/requests/route-req-1", "", map[string]string{middleware.TenantHeader: "acme"})
		assert.Equal(t, http.StatusOK, billed.StatusCode)
	})

	t.Run("job submission", func(t *testing.T) {
		resp := send(t, http.MethodPost, server.URL+"/api/v1/jobs", `{"prompt":"later","urgency":"background"}`, nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		dead := send(t, http.MethodGet, server.URL+"/api/v1/jobs/dead-letters", "", nil)
		assert.Equal(t, http.StatusOK, dead.StatusCode)
	})

	t.Run("metrics exposed", func(t *testing.T) {
		resp := send(t, http.MethodGet, server.URL+"/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("invalid tenant header", func(t *testing.T) {
		resp := send(t, http.MethodPost, server.URL+"/api/v1/executions", `{"prompt":"hi"}`, map[string]string{
			middleware.TenantHeader: "two words",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown route", func(t *testing.T) {
		resp := send(t, http.MethodGet, server.URL+"/api/v1/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})

	t.Run("wrong method", func(t *testing.T) {
		resp := send(t, http.MethodGet, server.URL+"/api/v1/executions", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("cors preflight", func(t *testing.T) {
		resp := send(t, http.MethodOptions, server.URL+"/api/v1/executions", "", map[string]string{
			"Origin":                         "https://console.example.com",
			"Access-Control-Request-Method":  http.MethodPost,
			"Access-Control-Request-Headers": middleware.TenantHeader,
		})
		assert.Equal(t, "https://console.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}
