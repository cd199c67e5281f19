package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wedosoft/supportrag/internal/api/handlers"
	"github.com/wedosoft/supportrag/internal/api/middleware"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/tenant"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Tenant(cfg.TenantDomain))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", tenant.HeaderTenant, tenant.HeaderPlatform, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	// Init context
	r.Route("/init/{ticketID}", func(r chi.Router) {
		r.Get("/", h.Init)
		r.Get("/stream", h.InitStream)
	})

	// Retrieval & answering
	r.Post("/query", h.Query)
	r.Post("/hybrid-search", h.HybridSearch)

	// Ingest jobs
	r.Post("/ingest/purge", h.Purge)
	r.Route("/ingest/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Post("/", h.CreateJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Post("/control", h.ControlJob)
		})
	})

	return r
}
