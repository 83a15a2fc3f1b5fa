package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
)

// CacheService invalidates cached results
type CacheService interface {
	InvalidateCache(ctx context.Context, fingerprint string) error
}

// CacheHandler exposes cache administration
type CacheHandler struct {
	service CacheService
	logger  *zap.Logger
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(service CacheService, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{service: service, logger: logger}
}

// HandleInvalidate handles DELETE /api/v1/cache/{fingerprint}. Deleting an
// absent entry succeeds.
func (h *CacheHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	if err := h.service.InvalidateCache(r.Context(), fingerprint); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.logger.Info("cache entry invalidated", zap.String("fingerprint", fingerprint))
	utils.WriteNoContent(w)
}
