package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/iconidentify/genqueue/internal/api/middleware"
	"github.com/iconidentify/genqueue/internal/queue"
	"github.com/iconidentify/genqueue/internal/ratelimit"
	"github.com/iconidentify/genqueue/internal/scheduler"
	"github.com/iconidentify/genqueue/internal/store"
)

var startTime = time.Now()

// HealthHandler handles health, stats and rate limit endpoints.
type HealthHandler struct {
	store     store.JobStore
	queue     *queue.Manager
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Service
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(st store.JobStore, q *queue.Manager, limiter *ratelimit.Limiter, sched *scheduler.Service) *HealthHandler {
	return &HealthHandler{store: st, queue: q, limiter: limiter, scheduler: sched}
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Queue     *queue.Stats `json:"queue,omitempty"`
}

// StatsResponse is the JSON response for the stats endpoint.
type StatsResponse struct {
	UptimeSeconds int64       `json:"uptime_seconds"`
	Queue         queue.Stats `json:"queue"`
	DenyRate      float64     `json:"rate_limit_deny_rate"`
	Goroutines    int         `json:"goroutines"`
}

// RateLimitResponse is the JSON response for the rate limit endpoint.
type RateLimitResponse struct {
	Limit         int    `json:"limit"`
	Remaining     int    `json:"remaining"`
	Reset         int64  `json:"reset"`
	WindowSeconds int64  `json:"window_seconds"`
	TenantID      string `json:"tenant_id"`
}

// Live handles GET /health - liveness probe.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready - readiness probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// The store must be reachable before we accept work.
	if _, err := h.store.ListBulkJobs(ctx, nil, 1, 0); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "error",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	stats := h.queue.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Queue:     &stats,
	})
}

// Stats handles GET /api/v1/stats.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Queue:         h.queue.Stats(),
		DenyRate:      h.scheduler.DenyRate(),
		Goroutines:    runtime.NumGoroutine(),
	})
}

// RateLimit handles GET /api/v1/rate-limit. Reports the caller's current
// headroom without consuming budget.
func (h *HealthHandler) RateLimit(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantID(r)
	head := h.limiter.Snapshot(tenant)
	writeJSON(w, http.StatusOK, RateLimitResponse{
		Limit:         head.Limit,
		Remaining:     head.Remaining,
		Reset:         head.Reset.Unix(),
		WindowSeconds: int64(head.Window.Seconds()),
		TenantID:      tenant,
	})
}
