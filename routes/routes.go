package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-execution-core/app"
	"github.com/upb/llm-execution-core/handlers"
	"github.com/upb/llm-execution-core/middleware"
	"github.com/upb/llm-execution-core/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware. No global timeout: streams are bounded per write.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(middleware.Tenant)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.TenantHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var db handlers.DatabaseChecker
	if deps.DB != nil {
		db = deps.DB
	}
	health := handlers.NewHealthHandler(db, deps.Redis, deps.Manager, logger)
	executions := handlers.NewExecutionHandler(deps.Manager, logger)
	jobs := handlers.NewJobHandler(deps.Manager, logger)
	cacheHandler := handlers.NewCacheHandler(deps.Manager, logger)
	usage := handlers.NewUsageHandler(deps.Usage, logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Prometheus != nil {
		r.Handle("/metrics", deps.Prometheus.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", executions.HandleExecute)
			r.Post("/stream", executions.HandleStream)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.HandleSubmit)
			r.Get("/dead-letters", jobs.HandleDeadLetters)
			r.Get("/{id}", jobs.HandleGetJob)
		})

		r.Delete("/cache/{fingerprint}", cacheHandler.HandleInvalidate)
		r.Get("/health/providers", health.HandleProviders)
		r.Route("/usage", func(r chi.Router) {
			r.Get("/", usage.HandleSummary)
			r.Get("/requests/{requestId}", usage.HandleRequestUsage)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	return r
}
