package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Get("/sync/status", h.SyncStatus)
			r.Post("/sync", h.Sync)
			r.Get("/pending", h.Pending)
			r.Get("/queue", h.ListQueue)
			r.Post("/queue", h.EnqueueRequest)
			r.Delete("/queue/{id}", h.DequeueRequest)

			r.With(middleware.Timeout(requestTimeout)).Group(func(r chi.Router) {
				r.Get("/dashboard/overview", h.Overview)
				r.Get("/dashboard/analytics", h.Analytics)
				r.Get("/records", h.Records)
				r.Get("/history", h.History)
			})
		})
	})

	return r
}
