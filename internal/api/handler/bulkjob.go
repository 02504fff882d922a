package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iconidentify/genqueue/internal/api/middleware"
	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/progress"
	"github.com/iconidentify/genqueue/internal/queue"
	"github.com/iconidentify/genqueue/internal/scheduler"
	"github.com/iconidentify/genqueue/internal/store"
)

// BulkJobHandler handles bulk job HTTP requests.
type BulkJobHandler struct {
	store       store.JobStore
	queue       *queue.Manager
	bus         *progress.Bus
	scheduler   *scheduler.Service
	maxDeadline time.Duration
	logger      *slog.Logger
}

// NewBulkJobHandler creates a new bulk job handler.
func NewBulkJobHandler(
	st store.JobStore,
	q *queue.Manager,
	bus *progress.Bus,
	sched *scheduler.Service,
	maxDeadline time.Duration,
	logger *slog.Logger,
) *BulkJobHandler {
	if maxDeadline <= 0 {
		maxDeadline = 24 * time.Hour
	}
	return &BulkJobHandler{
		store:       st,
		queue:       q,
		bus:         bus,
		scheduler:   sched,
		maxDeadline: maxDeadline,
		logger:      logger,
	}
}

// CreateRequest is the JSON request body for bulk job creation.
type CreateRequest struct {
	Title                string             `json:"title"`
	Priority             string             `json:"priority,omitempty"`
	ProcessingDeadlineMS int64              `json:"processing_deadline_ms,omitempty"`
	CallbackURL          string             `json:"callback_url,omitempty"`
	Constraints          domain.Constraints `json:"constraints"`
	Items                []json.RawMessage  `json:"items"`
}

// BulkJobResponse represents a bulk job in API responses.
type BulkJobResponse struct {
	ID                   string            `json:"id"`
	TenantID             string            `json:"tenant_id"`
	Title                string            `json:"title"`
	State                string            `json:"state"`
	Priority             string            `json:"priority"`
	Items                domain.ItemCounts `json:"items"`
	ProcessingDeadlineMS int64             `json:"processing_deadline_ms,omitempty"`
	CallbackURL          string            `json:"callback_url,omitempty"`
	ScheduleID           string            `json:"schedule_id,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func toBulkJobResponse(b *domain.BulkJob) BulkJobResponse {
	return BulkJobResponse{
		ID:                   b.ID.String(),
		TenantID:             b.TenantID,
		Title:                b.Title,
		State:                string(b.State),
		Priority:             string(b.Priority),
		Items:                b.Items,
		ProcessingDeadlineMS: b.ProcessingDeadline.Milliseconds(),
		CallbackURL:          b.CallbackURL,
		ScheduleID:           b.ScheduleID.String(),
		StartedAt:            b.StartedAt,
		CreatedAt:            b.CreatedAt,
		UpdatedAt:            b.UpdatedAt,
	}
}

// ListResponse contains a paginated bulk job list.
type ListResponse struct {
	BulkJobs []BulkJobResponse `json:"bulk_jobs"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// Create handles POST /api/v1/bulk-jobs. The Idempotency-Key header makes
// the call safe to repeat: a duplicate within the key's validity window
// returns the original job.
func (h *BulkJobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	if len(req.Items) == 0 {
		writeError(w, r, http.StatusBadRequest, "validation_error", "items must not be empty")
		return
	}
	if req.ProcessingDeadlineMS < 0 || req.ProcessingDeadlineMS > h.maxDeadline.Milliseconds() {
		writeError(w, r, http.StatusBadRequest, "validation_error",
			"processing_deadline_ms must be between 0 and "+strconv.FormatInt(h.maxDeadline.Milliseconds(), 10))
		return
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || u.Scheme != "https" {
			writeError(w, r, http.StatusBadRequest, "validation_error", "callback_url must be https")
			return
		}
	}

	spec := store.BulkJobSpec{
		TenantID:           middleware.TenantID(r),
		Title:              req.Title,
		Priority:           domain.ParseTier(req.Priority),
		ProcessingDeadline: time.Duration(req.ProcessingDeadlineMS) * time.Millisecond,
		CallbackURL:        req.CallbackURL,
		Constraints:        req.Constraints,
		Items:              req.Items,
	}

	bulk, videos, created, err := h.store.CreateBulkJob(r.Context(), spec, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if created {
		for _, v := range videos {
			h.queue.Add(v)
		}
		if bulk.CallbackURL != "" {
			sub := progress.NewWebhookSubscriber(bulk.CallbackURL, 5*time.Second, h.logger)
			if _, err := h.bus.Subscribe(bulk.ID, sub); err != nil {
				h.logger.Warn("callback subscription rejected", "bulk_job_id", bulk.ID, "error", err)
			}
		}
		h.logger.Info("bulk job created",
			"bulk_job_id", bulk.ID, "tenant_id", bulk.TenantID,
			"items", bulk.Items.Total, "priority", bulk.Priority)
		writeJSON(w, http.StatusCreated, toBulkJobResponse(bulk))
		return
	}

	writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
}

// List handles GET /api/v1/bulk-jobs.
func (h *BulkJobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	var state *domain.BulkJobState
	if s := r.URL.Query().Get("state"); s != "" {
		st := domain.BulkJobState(s)
		state = &st
	}

	bulks, err := h.store.ListBulkJobs(r.Context(), state, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := ListResponse{
		BulkJobs: make([]BulkJobResponse, 0, len(bulks)),
		Limit:    limit,
		Offset:   offset,
	}
	for _, b := range bulks {
		resp.BulkJobs = append(resp.BulkJobs, toBulkJobResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/bulk-jobs/{bulkJobID}.
func (h *BulkJobHandler) Get(w http.ResponseWriter, r *http.Request) {
	bulk, err := h.store.GetBulkJob(r.Context(), domain.BulkJobID(chi.URLParam(r, "bulkJobID")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
}

// Progress handles GET /api/v1/bulk-jobs/{bulkJobID}/progress.
func (h *BulkJobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.bus.Snapshot(r.Context(), domain.BulkJobID(chi.URLParam(r, "bulkJobID")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Pause handles POST /api/v1/bulk-jobs/{bulkJobID}/pause. Queued items are
// parked; in-flight dispatches run to completion and their outcomes are
// still recorded.
func (h *BulkJobHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := domain.BulkJobID(chi.URLParam(r, "bulkJobID"))

	bulk, err := h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobPausing)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.queue.Pause(id)
	h.recordTransition(r, id, domain.BulkJobRunning, domain.BulkJobPausing, "pause requested")

	bulk, err = h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobPaused)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.recordTransition(r, id, domain.BulkJobPausing, domain.BulkJobPaused, "queued items parked")

	writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
}

// Resume handles POST /api/v1/bulk-jobs/{bulkJobID}/resume.
func (h *BulkJobHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := domain.BulkJobID(chi.URLParam(r, "bulkJobID"))

	bulk, err := h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobRunning)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.queue.Resume(id)
	h.recordTransition(r, id, domain.BulkJobPaused, domain.BulkJobRunning, "resume requested")

	// Every item may have settled while the bulk job was paused. Nothing
	// will claim from an empty queue, so the completion rollup happens
	// here or not at all.
	if bulk.Items.Pending() == 0 {
		if _, err := h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobCompleting); err != nil {
			h.logger.Error("completing rollup on resume failed", "bulk_job_id", id, "error", err)
			writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
			return
		}
		done, err := h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobCompleted)
		if err != nil {
			h.logger.Error("completed rollup on resume failed", "bulk_job_id", id, "error", err)
			writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
			return
		}
		h.recordTransition(r, id, domain.BulkJobRunning, domain.BulkJobCompleted, "all items resolved")
		if err := h.bus.BulkCompleted(r.Context(), done); err != nil {
			h.logger.Error("completion summary event failed", "bulk_job_id", id, "error", err)
		}
		bulk = done
	}

	writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
}

// Cancel handles POST /api/v1/bulk-jobs/{bulkJobID}/cancel. Queued items
// are canceled immediately; in-flight dispatches finish cooperatively and
// the bulk job settles to canceled once nothing remains pending.
func (h *BulkJobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := domain.BulkJobID(chi.URLParam(r, "bulkJobID"))

	bulk, err := h.store.GetBulkJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	prior := bulk.State

	bulk, err = h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobCanceling)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.recordTransition(r, id, prior, domain.BulkJobCanceling, "cancel requested")

	for _, v := range h.queue.RemoveBulk(id) {
		if _, err := h.store.TransitionVideoJob(r.Context(), v.ID, domain.VideoJobCanceled, "bulk job canceled"); err != nil {
			h.logger.Error("cancel of queued item failed", "video_job_id", v.ID, "error", err)
		}
	}

	bulk, err = h.store.GetBulkJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if bulk.Items.Pending() == 0 {
		bulk, err = h.store.TransitionBulkJob(r.Context(), id, domain.BulkJobCanceled)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		h.recordTransition(r, id, domain.BulkJobCanceling, domain.BulkJobCanceled, "all items resolved")
	}

	writeJSON(w, http.StatusOK, toBulkJobResponse(bulk))
}

// ComputeSchedule handles POST /api/v1/bulk-jobs/{bulkJobID}/schedule.
// Constraints in the body override the job's stored constraints for this
// planning run.
func (h *BulkJobHandler) ComputeSchedule(w http.ResponseWriter, r *http.Request) {
	id := domain.BulkJobID(chi.URLParam(r, "bulkJobID"))

	bulk, err := h.store.GetBulkJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	constraints := bulk.Constraints
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&constraints); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "invalid constraints body")
			return
		}
	}

	sched, err := h.scheduler.ComputeSchedule(r.Context(), id, constraints)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// GetSchedule handles GET /api/v1/bulk-jobs/{bulkJobID}/schedule.
func (h *BulkJobHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.store.LatestSchedule(r.Context(), domain.BulkJobID(chi.URLParam(r, "bulkJobID")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// ListEvents handles GET /api/v1/bulk-jobs/{bulkJobID}/events.
func (h *BulkJobHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := domain.BulkJobID(chi.URLParam(r, "bulkJobID"))

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	if _, err := h.store.GetBulkJob(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  limit,
	})
}

func (h *BulkJobHandler) recordTransition(r *http.Request, id domain.BulkJobID, prior, next domain.BulkJobState, reason string) {
	if err := h.bus.StateChanged(r.Context(), id, "", string(prior), string(next), reason); err != nil {
		h.logger.Error("state change event failed", "bulk_job_id", id, "error", err)
	}
}
