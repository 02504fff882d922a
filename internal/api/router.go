package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iconidentify/genqueue/internal/api/handler"
	mw "github.com/iconidentify/genqueue/internal/api/middleware"
	"github.com/iconidentify/genqueue/internal/ratelimit"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	bulkJobHandler *handler.BulkJobHandler,
	streamHandler *handler.StreamHandler,
	healthHandler *handler.HealthHandler,
	limiter *ratelimit.Limiter,
	apiKey string,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CleanPath)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(middleware.Timeout(5 * time.Minute))

	// Health endpoints (no auth)
	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)

	// API v1 (authenticated)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(apiKey))
		r.Use(mw.RateLimitHeaders(limiter))

		r.Get("/stats", healthHandler.Stats)
		r.Get("/rate-limit", healthHandler.RateLimit)

		r.Post("/bulk-jobs", bulkJobHandler.Create)
		r.Get("/bulk-jobs", bulkJobHandler.List)
		r.Get("/bulk-jobs/{bulkJobID}", bulkJobHandler.Get)
		r.Get("/bulk-jobs/{bulkJobID}/progress", bulkJobHandler.Progress)
		r.Post("/bulk-jobs/{bulkJobID}/pause", bulkJobHandler.Pause)
		r.Post("/bulk-jobs/{bulkJobID}/resume", bulkJobHandler.Resume)
		r.Post("/bulk-jobs/{bulkJobID}/cancel", bulkJobHandler.Cancel)
		r.Post("/bulk-jobs/{bulkJobID}/schedule", bulkJobHandler.ComputeSchedule)
		r.Get("/bulk-jobs/{bulkJobID}/schedule", bulkJobHandler.GetSchedule)
		r.Get("/bulk-jobs/{bulkJobID}/events", bulkJobHandler.ListEvents)

		r.Get("/events/stream", streamHandler.Stream)
	})

	return r
}
