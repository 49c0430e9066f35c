/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/stats/*         Sales statistics
  /api/transactions    Reconstructed transactions
  /api/motors/*        Motor health
  /api/import          Payload ingestion
  /api/fetch/*         Machine download manager (incl. SSE progress)
  /api/admin/*         Maintenance operations
  /metrics             Prometheus instrumentation

SECURITY NOTE:
  No authentication middleware. The service is meant for the shop's LAN,
  like the machine panel it mirrors.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/tecnotouch: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sleli/tecnotouch/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		// Statistics routes
		r.Route("/stats", func(r chi.Router) {
			r.Get("/overview", h.GetOverview)
			r.Get("/brands", h.GetBrandStats)
			r.Get("/packages", h.GetPackageStats)
			r.Get("/daily", h.GetDailySummary)
		})

		r.Get("/transactions", h.ListTransactions)

		// Motor routes
		r.Route("/motors", func(r chi.Router) {
			r.Get("/", h.ListMotors)
			r.Get("/{id}", h.GetMotor)
		})

		// Ingestion routes
		r.Post("/import", h.ImportEvents)
		r.Route("/fetch", func(r chi.Router) {
			r.Post("/", h.TriggerFetch)
			r.Get("/status", h.GetFetchStatus)
			r.Get("/events", h.Broker.ServeHTTP)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/backfill", h.TriggerBackfill)
			r.Post("/update-brands", h.UpdateBrands)
			r.Route("/cache", func(r chi.Router) {
				r.Post("/refresh", h.RefreshCache)
				r.Get("/stats", h.GetCacheStats)
				r.Post("/cleanup", h.CleanupCache)
			})
		})

		// Service routes
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/status", h.GetStatus)
		r.Get("/health", h.GetHealth)
	})

	r.Method("GET", "/metrics", metrics.Handler())

	return r
}
