package middleware

import (
	"context"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/utils"
)

const (
	// TenantHeader carries the caller's tenant. Authentication happens upstream.
	TenantHeader = "X-Tenant-ID"

	// RequestIDHeader echoes the request ID back to the caller
	RequestIDHeader = "X-Request-ID"

	maxTenantLength = 128
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	return observability.RequestIDFromContext(ctx)
}

// GetTenantFromContext retrieves the tenant ID from context
func GetTenantFromContext(ctx context.Context) string {
	return observability.TenantIDFromContext(ctx)
}

// RequestContext copies chi's request ID into the logging context and
// echoes it in the response. It must run after chi's RequestID middleware.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimw.GetReqID(r.Context())
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// Tenant reads X-Tenant-ID into the request context. A missing header is
// allowed; an oversized or malformed one is rejected.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(tenant) > maxTenantLength || strings.ContainsAny(tenant, " \t\r\n") {
			_ = utils.WriteBadRequest(w, "invalid tenant header", map[string]interface{}{
				TenantHeader: "must be at most 128 characters without whitespace",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(observability.WithTenantID(r.Context(), tenant)))
	})
}
