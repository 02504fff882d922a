package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iconidentify/genqueue/internal/config"
	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/progress"
	"github.com/iconidentify/genqueue/internal/provider"
	"github.com/iconidentify/genqueue/internal/queue"
	"github.com/iconidentify/genqueue/internal/ratelimit"
	"github.com/iconidentify/genqueue/internal/store"
)

// ErrShutdownTimeout is returned when workers don't stop within timeout.
var ErrShutdownTimeout = errors.New("worker pool shutdown timed out")

// DecisionObserver receives allow/deny outcomes from the rate limit gate.
// The scheduler uses them to widen stagger spacing under pressure.
type DecisionObserver interface {
	ObserveDecision(allowed bool)
}

// Pool runs the dispatch workers. Each worker loops claim, rate limit
// check, provider dispatch, ack. A janitor goroutine requeues jobs stuck
// in dispatched and sweeps expired idempotency keys.
type Pool struct {
	cfg      config.DispatchConfig
	queue    *queue.Manager
	limiter  *ratelimit.Limiter
	store    store.JobStore
	registry *provider.Registry
	bus      *progress.Bus
	observer DecisionObserver
	backoff  *Backoff
	logger   *slog.Logger
	now      func() time.Time

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a dispatch worker pool.
func NewPool(
	cfg config.DispatchConfig,
	q *queue.Manager,
	limiter *ratelimit.Limiter,
	st store.JobStore,
	registry *provider.Registry,
	bus *progress.Bus,
	observer DecisionObserver,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		store:    st,
		registry: registry,
		bus:      bus,
		observer: observer,
		backoff:  NewBackoff(cfg),
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches all workers and the janitor.
func (p *Pool) Start() {
	p.logger.Info("starting dispatch pool", "workers", p.cfg.Workers)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.wg.Add(1)
	go p.janitor()
}

// Stop gracefully stops all workers.
func (p *Pool) Stop(timeout time.Duration) error {
	p.logger.Info("stopping dispatch pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch pool stopped gracefully")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Info("worker started")

	workerID := fmt.Sprintf("worker-%d", id)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("worker stopping")
			return
		case <-ticker.C:
			p.processNext(workerID, logger)
		}
	}
}

// processNext runs one claim-check-dispatch-ack cycle.
func (p *Pool) processNext(workerID string, logger *slog.Logger) {
	job, err := p.queue.ClaimNext(workerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNoJobs) && !errors.Is(err, domain.ErrNoEligibleJobs) {
			logger.Error("claim failed", "error", err)
		}
		return
	}

	logger = logger.With("video_job_id", job.ID, "bulk_job_id", job.BulkJobID)

	bulk, err := p.store.GetBulkJob(p.ctx, job.BulkJobID)
	if err != nil {
		logger.Error("bulk job lookup failed", "error", err)
		p.finishJob(job, domain.VideoJobCanceled, "bulk job missing", queue.OutcomeCanceled, logger)
		return
	}

	switch bulk.State {
	case domain.BulkJobCanceling, domain.BulkJobCanceled:
		p.finishJob(job, domain.VideoJobCanceled, "bulk job canceled", queue.OutcomeCanceled, logger)
		p.rollup(bulk.ID, logger)
		return
	case domain.BulkJobPausing, domain.BulkJobPaused:
		// Should not normally be claimable; put it back untouched.
		job.RetryAfter = nil
		if err := p.queue.Ack(job.ID, queue.OutcomeRetry); err != nil {
			logger.Error("requeue of paused job failed", "error", err)
		}
		return
	case domain.BulkJobPending:
		updated, err := p.store.TransitionBulkJob(p.ctx, bulk.ID, domain.BulkJobRunning)
		if err != nil {
			logger.Error("bulk job start failed", "error", err)
		} else {
			bulk = updated
			p.recordStateChange(bulk.ID, "", string(domain.BulkJobPending), string(domain.BulkJobRunning), "first dispatch", logger)
		}
	}

	if d := bulk.Constraints.Deadline; d != nil && p.now().After(*d) {
		p.finishJob(job, domain.VideoJobCanceled, domain.ErrDeadlineExceeded.Error(), queue.OutcomeCanceled, logger)
		p.rollup(bulk.ID, logger)
		return
	}

	dec := p.limiter.Check(bulk.TenantID, p.projectKey(job, bulk))
	if p.observer != nil {
		p.observer.ObserveDecision(dec.Allowed)
	}
	if !dec.Allowed {
		p.deferRateLimited(job, dec.RetryAfter, logger)
		return
	}
	p.bus.SetRateLimited(job.BulkJobID, false)

	claimed, err := p.store.ClaimVideoJob(p.ctx, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobClaimed) || errors.Is(err, domain.ErrInvalidTransition) {
			// Canceled or claimed through another path since we dequeued.
			if ackErr := p.queue.Ack(job.ID, queue.OutcomeCanceled); ackErr != nil {
				logger.Error("ack of lost claim failed", "error", ackErr)
			}
			return
		}
		logger.Error("store claim failed", "error", err)
		job.RetryAfter = nil
		if ackErr := p.queue.Ack(job.ID, queue.OutcomeRetry); ackErr != nil {
			logger.Error("requeue after failed claim failed", "error", ackErr)
		}
		return
	}

	p.dispatch(job, claimed, bulk, logger)
}

// projectKey names the token bucket a job draws from. Provider capacity is
// the shared downstream resource, so the bucket is keyed by provider.
func (p *Pool) projectKey(job *domain.VideoJob, bulk *domain.BulkJob) string {
	if job.Provider != "" {
		return job.Provider
	}
	if len(bulk.Constraints.ProviderPrefs) > 0 {
		return bulk.Constraints.ProviderPrefs[0]
	}
	names := p.registry.Names()
	if len(names) > 0 {
		return names[0]
	}
	return "default"
}

// deferRateLimited parks a denied job until its retry time.
func (p *Pool) deferRateLimited(job *domain.VideoJob, retryAfter time.Duration, logger *slog.Logger) {
	retryAt := p.now().Add(retryAfter)

	if job.State == domain.VideoJobQueued {
		if _, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobRateLimited, ""); err != nil {
			logger.Error("rate_limited transition failed", "error", err)
		}
		job.State = domain.VideoJobRateLimited
	}
	if err := p.store.SetVideoJobRetry(p.ctx, job.ID, retryAt); err != nil {
		logger.Error("retry bookkeeping failed", "error", err)
	}

	job.RetryAfter = &retryAt
	if err := p.queue.Ack(job.ID, queue.OutcomeRateLimited); err != nil {
		logger.Error("rate limited requeue failed", "error", err)
	}
	p.bus.SetRateLimited(job.BulkJobID, true)
	logger.Info("dispatch rate limited", "retry_after", retryAfter)
}

// dispatch calls the provider and resolves the attempt. job is the queue's
// handle; claimed is the store's view after the CAS. Retry bookkeeping is
// written to both so the queue's deferral matches the store's retry_after.
func (p *Pool) dispatch(job, claimed *domain.VideoJob, bulk *domain.BulkJob, logger *slog.Logger) {
	prefs := bulk.Constraints.ProviderPrefs
	if claimed.Provider != "" {
		prefs = append([]string{claimed.Provider}, prefs...)
	}
	gen, err := p.registry.Resolve(prefs)
	if err != nil {
		p.failOrRetry(job, claimed, err, logger)
		return
	}

	if _, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobInProgress, ""); err != nil {
		logger.Error("in_progress transition failed", "error", err)
	}

	start := p.now()
	res, err := gen.Generate(p.ctx, provider.Request{
		JobID:     job.ID,
		BulkJobID: job.BulkJobID,
		// Stable across retries of the same job so the provider can
		// dedupe repeated attempts.
		IdempotencyKey: job.ID.String(),
		Input:          claimed.Input,
	})
	if err != nil && p.ctx.Err() != nil {
		// Shutdown mid-flight. Leave the job dispatched; the janitor
		// requeues it after the stale claim window.
		logger.Info("dispatch interrupted by shutdown")
		return
	}

	// The bulk job may have been canceled while the attempt ran. The
	// attempt finishes, but its outcome is a cancellation, not a
	// completion or a retry.
	if fresh, lookupErr := p.store.GetBulkJob(p.ctx, job.BulkJobID); lookupErr == nil &&
		(fresh.State == domain.BulkJobCanceling || fresh.State == domain.BulkJobCanceled) {
		p.finishJob(job, domain.VideoJobCanceled, "bulk job canceled", queue.OutcomeCanceled, logger)
		logger.Info("video job canceled after in-flight attempt")
		p.rollup(job.BulkJobID, logger)
		return
	}

	if err != nil {
		p.failOrRetry(job, claimed, err, logger)
		return
	}

	updated, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobCompleted, "")
	if err != nil {
		logger.Error("completed transition failed", "error", err)
		updated = job
	}
	if err := p.queue.Ack(job.ID, queue.OutcomeCompleted); err != nil {
		logger.Error("completion ack failed", "error", err)
	}
	if err := p.bus.VideoCompleted(p.ctx, updated, res.Artifacts, p.now().Sub(start)); err != nil {
		logger.Error("completion event failed", "error", err)
	}
	logger.Info("video job completed", "provider", gen.Name(), "duration", p.now().Sub(start), "cost", res.Cost)
	p.rollup(job.BulkJobID, logger)
}

// failOrRetry resolves a failed attempt: requeue with backoff while
// attempts remain, otherwise a terminal failure.
func (p *Pool) failOrRetry(job, claimed *domain.VideoJob, cause error, logger *slog.Logger) {
	attempt := claimed.RetryCount
	if attempt+1 >= p.cfg.MaxRetries {
		p.finishJob(job, domain.VideoJobFailed, cause.Error(), queue.OutcomeFailed, logger)
		if updated, err := p.store.GetVideoJob(p.ctx, job.ID); err == nil {
			job = updated
		}
		if err := p.bus.VideoFailed(p.ctx, job, []string{cause.Error()}); err != nil {
			logger.Error("failure event failed", "error", err)
		}
		logger.Warn("video job failed permanently", "attempts", attempt+1, "error", cause)
		p.rollup(job.BulkJobID, logger)
		return
	}

	delay := p.backoff.Delay(attempt)
	retryAt := p.now().Add(delay)

	if _, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobRetried, cause.Error()); err != nil {
		logger.Error("retried transition failed", "error", err)
	}
	if _, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobQueued, ""); err != nil {
		logger.Error("requeue transition failed", "error", err)
	}
	if err := p.store.SetVideoJobRetry(p.ctx, job.ID, retryAt); err != nil {
		logger.Error("retry bookkeeping failed", "error", err)
	}

	job.RetryCount = attempt + 1
	job.RetryAfter = &retryAt
	if err := p.queue.Ack(job.ID, queue.OutcomeRetry); err != nil {
		logger.Error("retry requeue failed", "error", err)
	}
	logger.Warn("video job attempt failed, will retry", "attempt", attempt+1, "delay", delay, "error", cause)
}

// finishJob moves a job to a terminal state in the store and removes it
// from the queue.
func (p *Pool) finishJob(job *domain.VideoJob, to domain.VideoJobState, detail string, outcome queue.Outcome, logger *slog.Logger) {
	if _, err := p.store.TransitionVideoJob(p.ctx, job.ID, to, detail); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		logger.Error("terminal transition failed", "to", to, "error", err)
	}
	if err := p.queue.Ack(job.ID, outcome); err != nil {
		logger.Error("terminal ack failed", "error", err)
	}
}

// rollup closes out a bulk job once no items remain pending.
func (p *Pool) rollup(bulkID domain.BulkJobID, logger *slog.Logger) {
	bulk, err := p.store.GetBulkJob(p.ctx, bulkID)
	if err != nil {
		logger.Error("rollup lookup failed", "error", err)
		return
	}
	if bulk.Items.Pending() > 0 {
		return
	}

	switch bulk.State {
	case domain.BulkJobCanceling:
		if _, err := p.store.TransitionBulkJob(p.ctx, bulkID, domain.BulkJobCanceled); err != nil {
			logger.Error("cancel rollup failed", "error", err)
			return
		}
		p.recordStateChange(bulkID, "", string(domain.BulkJobCanceling), string(domain.BulkJobCanceled), "all items resolved", logger)
	case domain.BulkJobRunning, domain.BulkJobCompleting:
		prior := bulk.State
		if prior == domain.BulkJobRunning {
			if _, err := p.store.TransitionBulkJob(p.ctx, bulkID, domain.BulkJobCompleting); err != nil {
				logger.Error("completing rollup failed", "error", err)
				return
			}
		}
		updated, err := p.store.TransitionBulkJob(p.ctx, bulkID, domain.BulkJobCompleted)
		if err != nil {
			logger.Error("completed rollup failed", "error", err)
			return
		}
		p.recordStateChange(bulkID, "", string(prior), string(domain.BulkJobCompleted), "all items resolved", logger)
		if err := p.bus.BulkCompleted(p.ctx, updated); err != nil {
			logger.Error("completion summary event failed", "error", err)
		}
		logger.Info("bulk job completed", "bulk_job_id", bulkID,
			"completed", updated.Items.Completed, "failed", updated.Items.Failed,
			"skipped", updated.Items.Skipped, "canceled", updated.Items.Canceled)
	}
}

func (p *Pool) recordStateChange(bulkID domain.BulkJobID, videoID domain.VideoJobID, prior, next, reason string, logger *slog.Logger) {
	if err := p.bus.StateChanged(p.ctx, bulkID, videoID, prior, next, reason); err != nil {
		logger.Error("state change event failed", "error", err)
	}
}

// janitor periodically requeues jobs stuck in dispatched and sweeps
// expired idempotency keys.
func (p *Pool) janitor() {
	defer p.wg.Done()

	logger := p.logger.With("component", "janitor")
	interval := p.cfg.StaleClaimAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("janitor stopping")
			return
		case <-ticker.C:
			p.sweep(logger)
		}
	}
}

// sweep is one janitor pass.
func (p *Pool) sweep(logger *slog.Logger) {
	now := p.now()

	stale, err := p.store.ListStaleDispatched(p.ctx, now.Add(-p.cfg.StaleClaimAfter))
	if err != nil {
		logger.Error("stale claim scan failed", "error", err)
	}
	for _, job := range stale {
		if _, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobRetried, "stale claim requeued"); err != nil {
			logger.Error("stale requeue transition failed", "video_job_id", job.ID, "error", err)
			continue
		}
		requeued, err := p.store.TransitionVideoJob(p.ctx, job.ID, domain.VideoJobQueued, "")
		if err != nil {
			logger.Error("stale requeue transition failed", "video_job_id", job.ID, "error", err)
			continue
		}
		// The in-memory entry is still held by the dead claim; re-admit
		// through Ack when present, otherwise add fresh.
		if err := p.queue.Ack(job.ID, queue.OutcomeRetry); err != nil {
			p.queue.Add(requeued)
		}
		logger.Warn("requeued stale dispatched job", "video_job_id", job.ID, "dispatched_at", job.DispatchedAt)
	}

	removed, err := p.store.SweepIdempotencyKeys(p.ctx, now)
	if err != nil {
		logger.Error("idempotency sweep failed", "error", err)
	} else if removed > 0 {
		logger.Info("swept expired idempotency keys", "removed", removed)
	}
}
