package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iconidentify/genqueue/internal/api/handler"
	"github.com/iconidentify/genqueue/internal/config"
	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/progress"
	"github.com/iconidentify/genqueue/internal/queue"
	"github.com/iconidentify/genqueue/internal/ratelimit"
	"github.com/iconidentify/genqueue/internal/scheduler"
	"github.com/iconidentify/genqueue/internal/store"
)

const testAPIKey = "test-key"

type env struct {
	router  http.Handler
	store   *store.MemoryStore
	queue   *queue.Manager
	bus     *progress.Bus
	limiter *ratelimit.Limiter
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore(24 * time.Hour)
	q := queue.NewManager(config.QueueConfig{
		NormalAgingAfter: 15 * time.Minute,
		NormalAgingBoost: 10,
		LowAgingAfter:    30 * time.Minute,
		LowAgingBoost:    4,
		LowPromoteAfter:  2 * time.Hour,
	})
	limiter := ratelimit.New(config.RateLimitConfig{
		UserWindow:        time.Minute,
		UserMaxRequests:   60,
		ProjectCapacity:   300,
		ProjectRefillRate: 5,
	})
	bus := progress.NewBus(config.EventsConfig{MaxSubscribers: 16, DropAfterFailures: 5, EMAAlpha: 0.2}, st, logger)
	sched := scheduler.New(st, limiter.ProjectTokens, []string{"veo"}, logger)

	bulkHandler := handler.NewBulkJobHandler(st, q, bus, sched, 24*time.Hour, logger)
	streamHandler := handler.NewStreamHandler(bus, logger)
	healthHandler := handler.NewHealthHandler(st, q, limiter, sched)

	return &env{
		router:  NewRouter(bulkHandler, streamHandler, healthHandler, limiter, testAPIKey),
		store:   st,
		queue:   q,
		bus:     bus,
		limiter: limiter,
	}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func createBody(items int) map[string]any {
	itemList := make([]map[string]string, items)
	for i := range itemList {
		itemList[i] = map[string]string{"prompt": "a quiet harbor at dawn"}
	}
	return map[string]any{
		"title":    "launch assets",
		"priority": "normal",
		"items":    itemList,
	}
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) handler.BulkJobResponse {
	t.Helper()
	var resp handler.BulkJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v (body %s)", err, w.Body.String())
	}
	return resp
}

func TestRouterRequiresAPIKey(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthEndpointsNoAuth(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}

func TestCreateBulkJob(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(3), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}

	job := decodeJob(t, w)
	if job.State != "pending" {
		t.Errorf("state = %q, want pending", job.State)
	}
	if job.Items.Total != 3 {
		t.Errorf("items total = %d, want 3", job.Items.Total)
	}
	if e.queue.Len() != 3 {
		t.Errorf("queue len = %d, want 3", e.queue.Len())
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got == "" {
		t.Error("X-RateLimit-Limit header missing")
	}
}

func TestCreateBulkJobIdempotentReplay(t *testing.T) {
	e := newEnv(t)
	headers := map[string]string{"Idempotency-Key": "deploy-42"}

	first := e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(2), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}
	second := e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(2), headers)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", second.Code)
	}

	if decodeJob(t, first).ID != decodeJob(t, second).ID {
		t.Error("replay should return the original bulk job")
	}
	// Exactly one batch of video jobs was enqueued.
	if e.queue.Len() != 2 {
		t.Errorf("queue len = %d, want 2", e.queue.Len())
	}
}

func TestCreateBulkJobIdempotencyConflict(t *testing.T) {
	e := newEnv(t)
	headers := map[string]string{"Idempotency-Key": "deploy-42"}

	if w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(2), headers); w.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", w.Code)
	}
	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(5), headers)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if resp["error_code"] != "idempotency_conflict" {
		t.Errorf("error_code = %q, want idempotency_conflict", resp["error_code"])
	}
	if resp["correlation_id"] == "" {
		t.Error("correlation_id missing from error envelope")
	}
}

func TestCreateBulkJobValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty items", map[string]any{"title": "x", "items": []any{}}},
		{"deadline too large", func() map[string]any {
			b := createBody(1)
			b["processing_deadline_ms"] = int64(90_000_000)
			return b
		}()},
		{"non-https callback", func() map[string]any {
			b := createBody(1)
			b["callback_url"] = "http://insecure.example/hook"
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetBulkJobNotFound(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/bulk-jobs/nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListBulkJobsFiltersByState(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(1), nil)
	e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(1), nil)

	w := e.do(t, http.MethodGet, "/api/v1/bulk-jobs?state=pending", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp handler.ListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(resp.BulkJobs) != 2 {
		t.Errorf("jobs = %d, want 2", len(resp.BulkJobs))
	}

	w = e.do(t, http.MethodGet, "/api/v1/bulk-jobs?state=completed", nil, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(resp.BulkJobs) != 0 {
		t.Errorf("completed jobs = %d, want 0", len(resp.BulkJobs))
	}
}

func TestPauseResumeFlow(t *testing.T) {
	e := newEnv(t)

	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(2), nil))
	if _, err := e.store.TransitionBulkJob(context.Background(), domain.BulkJobID(created.ID), domain.BulkJobRunning); err != nil {
		t.Fatalf("TransitionBulkJob: %v", err)
	}

	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/pause", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := decodeJob(t, w).State; got != "paused" {
		t.Errorf("state = %q, want paused", got)
	}

	// Queued items are parked while paused.
	if _, err := e.queue.ClaimNext("w"); err == nil {
		t.Error("paused bulk job items should not be claimable")
	}

	w = e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/resume", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", w.Code)
	}
	if got := decodeJob(t, w).State; got != "running" {
		t.Errorf("state = %q, want running", got)
	}
	if _, err := e.queue.ClaimNext("w"); err != nil {
		t.Errorf("resumed items should be claimable: %v", err)
	}
}

func TestResumeCompletesSettledBulk(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(1), nil))
	bulkID := domain.BulkJobID(created.ID)
	if _, err := e.store.TransitionBulkJob(ctx, bulkID, domain.BulkJobRunning); err != nil {
		t.Fatalf("TransitionBulkJob: %v", err)
	}

	// Claim the only item before pausing, the way a worker would hold it
	// in flight across the pause.
	job, err := e.queue.ClaimNext("w")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := e.store.ClaimVideoJob(ctx, job.ID); err != nil {
		t.Fatalf("ClaimVideoJob: %v", err)
	}

	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/pause", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	// The in-flight item settles while the bulk job is paused.
	if _, err := e.store.TransitionVideoJob(ctx, job.ID, domain.VideoJobInProgress, ""); err != nil {
		t.Fatalf("TransitionVideoJob: %v", err)
	}
	if _, err := e.store.TransitionVideoJob(ctx, job.ID, domain.VideoJobCompleted, ""); err != nil {
		t.Fatalf("TransitionVideoJob: %v", err)
	}
	if err := e.queue.Ack(job.ID, queue.OutcomeCompleted); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	w = e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/resume", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	resumed := decodeJob(t, w)
	if resumed.State != "completed" {
		t.Errorf("state = %q, want completed", resumed.State)
	}
	if resumed.Items.Pending() != 0 || resumed.Items.Completed != 1 {
		t.Errorf("items = %+v, want 0 pending / 1 completed", resumed.Items)
	}
}

func TestPauseInvalidFromPending(t *testing.T) {
	e := newEnv(t)
	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(1), nil))

	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/pause", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestCancelFlow(t *testing.T) {
	e := newEnv(t)
	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(2), nil))

	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/cancel", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	got := decodeJob(t, w)
	if got.State != "canceled" {
		t.Errorf("state = %q, want canceled", got.State)
	}
	// Nothing was dispatched, so every item counts as skipped.
	if got.Items.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", got.Items.Skipped)
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", e.queue.Len())
	}
}

func TestScheduleComputeAndGet(t *testing.T) {
	e := newEnv(t)
	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(3), nil))

	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/schedule", nil, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("compute status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}
	var sched domain.Schedule
	if err := json.Unmarshal(w.Body.Bytes(), &sched); err != nil {
		t.Fatalf("decoding schedule: %v", err)
	}
	if len(sched.Entries) != 3 {
		t.Errorf("entries = %d, want 3", len(sched.Entries))
	}

	w = e.do(t, http.MethodGet, "/api/v1/bulk-jobs/"+created.ID+"/schedule", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	var latest domain.Schedule
	if err := json.Unmarshal(w.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decoding schedule: %v", err)
	}
	if latest.ID != sched.ID {
		t.Errorf("latest schedule id = %s, want %s", latest.ID, sched.ID)
	}
}

func TestScheduleValidationError(t *testing.T) {
	e := newEnv(t)
	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(1), nil))

	deadline := time.Now().Add(time.Hour)
	startAfter := time.Now().Add(2 * time.Hour)
	w := e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/schedule", map[string]any{
		"start_after": startAfter.Format(time.RFC3339),
		"deadline":    deadline.Format(time.RFC3339),
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
	}
}

func TestProgressEndpoint(t *testing.T) {
	e := newEnv(t)
	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(4), nil))

	w := e.do(t, http.MethodGet, "/api/v1/bulk-jobs/"+created.ID+"/progress", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var snap domain.Progress
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding progress: %v", err)
	}
	if snap.ItemsTotal != 4 || snap.ItemsPending != 4 {
		t.Errorf("total/pending = %d/%d, want 4/4", snap.ItemsTotal, snap.ItemsPending)
	}
	if snap.PercentComplete != 0 {
		t.Errorf("percent = %v, want 0", snap.PercentComplete)
	}
}

func TestEventsEndpoint(t *testing.T) {
	e := newEnv(t)
	created := decodeJob(t, e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(1), nil))
	e.do(t, http.MethodPost, "/api/v1/bulk-jobs/"+created.ID+"/cancel", nil, nil)

	w := e.do(t, http.MethodGet, "/api/v1/bulk-jobs/"+created.ID+"/events", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Events []domain.JobEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding events: %v", err)
	}
	if len(resp.Events) == 0 {
		t.Fatal("cancel should have produced state change events")
	}
	for _, ev := range resp.Events {
		if ev.Type == domain.EventJobStateChanged {
			return
		}
	}
	t.Error("expected a job.state_changed event")
}

func TestRateLimitEndpoint(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/rate-limit", nil, map[string]string{"X-Tenant-ID": "tenant-a"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp handler.RateLimitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Limit != 60 || resp.Remaining != 60 {
		t.Errorf("limit/remaining = %d/%d, want 60/60", resp.Limit, resp.Remaining)
	}
	if resp.TenantID != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", resp.TenantID)
	}
	for _, header := range []string{
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
		"X-RateLimit-Window",
	} {
		if w.Header().Get(header) == "" {
			t.Errorf("%s header missing", header)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/bulk-jobs", createBody(2), nil)

	w := e.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp handler.StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if resp.Queue.Normal != 2 {
		t.Errorf("normal depth = %d, want 2", resp.Queue.Normal)
	}
}
