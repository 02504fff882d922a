package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iconidentify/genqueue/internal/config"
	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/store"
)

// ErrTooManySubscribers is returned when the subscriber list is full.
var ErrTooManySubscribers = errors.New("subscriber limit reached")

// subscription is one registered subscriber with failure bookkeeping.
type subscription struct {
	bulkID   domain.BulkJobID // empty means all bulk jobs
	sub      domain.Subscriber
	failures int
}

// agg holds per-bulk timing aggregates. Durations smooth through an
// exponential moving average.
type agg struct {
	emaDurationMS float64
	samples       int
	rateLimited   bool
}

// Bus records job events and fans them out to subscribers. Recording is
// the source of truth: the store append happens first and delivery is
// best-effort. A subscriber that keeps failing is dropped, never allowed
// to stall the pipeline.
type Bus struct {
	cfg    config.EventsConfig
	store  store.JobStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	subs   map[uint64]*subscription
	subSeq uint64

	aggMu sync.Mutex
	aggs  map[domain.BulkJobID]*agg
}

// NewBus creates an event bus backed by the given store.
func NewBus(cfg config.EventsConfig, st store.JobStore, logger *slog.Logger) *Bus {
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = 64
	}
	if cfg.DropAfterFailures <= 0 {
		cfg.DropAfterFailures = 5
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.2
	}
	return &Bus{
		cfg:    cfg,
		store:  st,
		logger: logger,
		now:    time.Now,
		subs:   make(map[uint64]*subscription),
		aggs:   make(map[domain.BulkJobID]*agg),
	}
}

// Subscribe registers a subscriber for one bulk job's events, or all
// events when bulkID is empty.
func (b *Bus) Subscribe(bulkID domain.BulkJobID, sub domain.Subscriber) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.cfg.MaxSubscribers {
		return 0, ErrTooManySubscribers
	}
	b.subSeq++
	id := b.subSeq
	b.subs[id] = &subscription{bulkID: bulkID, sub: sub}
	b.logger.Info("subscriber added", "subscriber_id", id, "bulk_job_id", bulkID, "total", len(b.subs))
	return id, nil
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		b.logger.Info("subscriber removed", "subscriber_id", id, "total", len(b.subs))
	}
}

// Record appends a job event and fans it out. The append never fails
// because of subscribers.
func (b *Bus) Record(ctx context.Context, ev *domain.JobEvent) error {
	if ev.ID == "" {
		ev.ID = domain.EventID(uuid.NewString())
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}

	if err := b.store.AppendEvent(ctx, ev); err != nil {
		return err
	}

	env := domain.Envelope{
		Type:          ev.Type,
		Timestamp:     ev.OccurredAt,
		CorrelationID: ev.BulkJobID.String(),
		Data:          ev.Payload,
	}
	b.deliver(ev.BulkJobID, env)
	return nil
}

// deliver fans an envelope out to matching subscribers, dropping any that
// keep failing. Handle calls run outside b.mu so one slow subscriber
// cannot serialize concurrent fan-outs behind the lock.
func (b *Bus) deliver(bulkID domain.BulkJobID, env domain.Envelope) {
	type target struct {
		id  uint64
		sub domain.Subscriber
	}

	b.mu.Lock()
	targets := make([]target, 0, len(b.subs))
	for id, s := range b.subs {
		if s.bulkID != "" && s.bulkID != bulkID {
			continue
		}
		targets = append(targets, target{id: id, sub: s.sub})
	}
	b.mu.Unlock()

	for _, t := range targets {
		err := t.sub.Handle(env)

		b.mu.Lock()
		// The subscriber may have unsubscribed or been dropped by a
		// concurrent delivery while Handle ran.
		if s, ok := b.subs[t.id]; ok {
			if err != nil {
				s.failures++
				if s.failures >= b.cfg.DropAfterFailures {
					delete(b.subs, t.id)
					b.logger.Warn("subscriber dropped after repeated failures",
						"subscriber_id", t.id, "failures", s.failures)
				}
			} else {
				s.failures = 0
			}
		}
		b.mu.Unlock()
	}
}

// ObserveItemDuration feeds one completed item's duration into the
// per-bulk EMA used for eta estimates.
func (b *Bus) ObserveItemDuration(bulkID domain.BulkJobID, d time.Duration) {
	b.aggMu.Lock()
	defer b.aggMu.Unlock()

	a := b.aggRef(bulkID)
	ms := float64(d.Milliseconds())
	if a.samples == 0 {
		a.emaDurationMS = ms
	} else {
		a.emaDurationMS = b.cfg.EMAAlpha*ms + (1-b.cfg.EMAAlpha)*a.emaDurationMS
	}
	a.samples++
}

// SetRateLimited flags whether the bulk job currently has rate-limited
// items, surfaced in progress snapshots.
func (b *Bus) SetRateLimited(bulkID domain.BulkJobID, limited bool) {
	b.aggMu.Lock()
	defer b.aggMu.Unlock()
	b.aggRef(bulkID).rateLimited = limited
}

// aggRef returns the aggregate for a bulk job. Caller holds aggMu.
func (b *Bus) aggRef(bulkID domain.BulkJobID) *agg {
	a, ok := b.aggs[bulkID]
	if !ok {
		a = &agg{}
		b.aggs[bulkID] = a
	}
	return a
}

// Snapshot computes the progress view for a bulk job.
func (b *Bus) Snapshot(ctx context.Context, bulkID domain.BulkJobID) (*domain.Progress, error) {
	bulk, err := b.store.GetBulkJob(ctx, bulkID)
	if err != nil {
		return nil, err
	}

	b.aggMu.Lock()
	a := *b.aggRef(bulkID)
	b.aggMu.Unlock()

	now := b.now()
	c := bulk.Items
	p := &domain.Progress{
		ItemsTotal:        c.Total,
		ItemsCompleted:    c.Completed,
		ItemsFailed:       c.Failed,
		ItemsSkipped:      c.Skipped,
		ItemsCanceled:     c.Canceled,
		ItemsPending:      c.Pending(),
		AvgDurationMSItem: int64(a.emaDurationMS),
		RateLimited:       a.rateLimited,
	}
	done := c.Total - p.ItemsPending
	if c.Total > 0 {
		p.PercentComplete = float64(done) / float64(c.Total) * 100
	}
	if bulk.StartedAt != nil {
		p.TimeToStartMS = bulk.StartedAt.Sub(bulk.CreatedAt).Milliseconds()
		if !bulk.State.Terminal() {
			p.TimeProcessingMS = now.Sub(*bulk.StartedAt).Milliseconds()
		} else {
			p.TimeProcessingMS = bulk.UpdatedAt.Sub(*bulk.StartedAt).Milliseconds()
		}
	}
	p.EtaMS = int64(a.emaDurationMS) * int64(p.ItemsPending)
	return p, nil
}

// StateChanged records a job.state_changed event.
func (b *Bus) StateChanged(ctx context.Context, bulkID domain.BulkJobID, videoID domain.VideoJobID, prior, next, reason string) error {
	return b.Record(ctx, &domain.JobEvent{
		BulkJobID:  bulkID,
		VideoJobID: videoID,
		Type:       domain.EventJobStateChanged,
		Payload: domain.EventPayload{
			"prior_state": prior,
			"new_state":   next,
			"reason":      reason,
		}.ToJSON(),
	})
}

// VideoCompleted records a video.completed event and refreshes progress.
func (b *Bus) VideoCompleted(ctx context.Context, v *domain.VideoJob, artifacts any, duration time.Duration) error {
	b.ObserveItemDuration(v.BulkJobID, duration)
	if err := b.Record(ctx, &domain.JobEvent{
		BulkJobID:  v.BulkJobID,
		VideoJobID: v.ID,
		ScheduleID: v.ScheduleID,
		Type:       domain.EventVideoCompleted,
		Payload: domain.EventPayload{
			"id":        v.ID,
			"artifacts": artifacts,
		}.ToJSON(),
	}); err != nil {
		return err
	}
	return b.emitProgress(ctx, v.BulkJobID)
}

// VideoFailed records a video.failed event and refreshes progress.
func (b *Bus) VideoFailed(ctx context.Context, v *domain.VideoJob, errs []string) error {
	if err := b.Record(ctx, &domain.JobEvent{
		BulkJobID:  v.BulkJobID,
		VideoJobID: v.ID,
		ScheduleID: v.ScheduleID,
		Type:       domain.EventVideoFailed,
		Payload: domain.EventPayload{
			"id":     v.ID,
			"errors": errs,
		}.ToJSON(),
	}); err != nil {
		return err
	}
	return b.emitProgress(ctx, v.BulkJobID)
}

// BulkCompleted records the job.completed summary event.
func (b *Bus) BulkCompleted(ctx context.Context, bulk *domain.BulkJob) error {
	return b.Record(ctx, &domain.JobEvent{
		BulkJobID: bulk.ID,
		Type:      domain.EventJobCompleted,
		Payload: domain.EventPayload{
			"summary": bulk.Items,
		}.ToJSON(),
	})
}

// BulkFailed records the job.failed event.
func (b *Bus) BulkFailed(ctx context.Context, bulkID domain.BulkJobID, message string) error {
	return b.Record(ctx, &domain.JobEvent{
		BulkJobID: bulkID,
		Type:      domain.EventJobFailed,
		Payload: domain.EventPayload{
			"error_message": message,
		}.ToJSON(),
	})
}

// emitProgress records a job.progress event with the current snapshot.
func (b *Bus) emitProgress(ctx context.Context, bulkID domain.BulkJobID) error {
	snap, err := b.Snapshot(ctx, bulkID)
	if err != nil {
		return err
	}
	return b.Record(ctx, &domain.JobEvent{
		BulkJobID: bulkID,
		Type:      domain.EventJobProgress,
		Payload: domain.EventPayload{
			"percent_complete":             snap.PercentComplete,
			"items_total":                  snap.ItemsTotal,
			"items_completed":              snap.ItemsCompleted,
			"items_failed":                 snap.ItemsFailed,
			"items_skipped":                snap.ItemsSkipped,
			"items_canceled":               snap.ItemsCanceled,
			"items_pending":                snap.ItemsPending,
			"time_to_start_ms":             snap.TimeToStartMS,
			"time_processing_ms":           snap.TimeProcessingMS,
			"average_duration_ms_per_item": snap.AvgDurationMSItem,
			"eta_ms":                       snap.EtaMS,
			"rate_limited":                 snap.RateLimited,
		}.ToJSON(),
	})
}
