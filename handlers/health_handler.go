package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-execution-core/services/execution"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// DatabaseChecker is satisfied by the ledger's postgres connection
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// ProviderHealthService reports provider circuit state
type ProviderHealthService interface {
	Health(ctx context.Context) execution.HealthReport
}

// HealthHandler handles health-related HTTP requests. Any dependency may be
// nil when that backend is not configured.
type HealthHandler struct {
	db        DatabaseChecker
	redis     redis.UniversalClient
	providers ProviderHealthService
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db DatabaseChecker, redisClient redis.UniversalClient, providers ProviderHealthService, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redisClient,
		providers: providers,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Liveness only; returns 200 whenever the process is serving
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Validates the configured database and redis backends
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Warn("database health check failed", zap.Error(err))
			checks["database"] = "unhealthy"
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			h.logger.Warn("redis health check failed", zap.Error(err))
			checks["redis"] = "unhealthy"
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Success: allHealthy, Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleProviders handles GET /api/v1/health/providers. A degraded report
// still returns 200; the body carries per-provider breaker state.
func (h *HealthHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		_ = utils.WriteServiceUnavailable(w, "unavailable", "execution manager is not configured", 0, nil)
		return
	}
	_ = utils.WriteOK(w, h.providers.Health(r.Context()))
}
