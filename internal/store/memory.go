package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iconidentify/genqueue/internal/domain"
)

// idemRecord ties an idempotency key to the bulk job it created.
type idemRecord struct {
	bulkID    domain.BulkJobID
	specHash  string
	expiresAt time.Time
}

// MemoryStore implements JobStore with in-memory maps. Used in tests and
// as the dev-mode backend.
type MemoryStore struct {
	idempotencyTTL time.Duration
	now            func() time.Time

	mu        sync.RWMutex
	bulks     map[domain.BulkJobID]*domain.BulkJob
	videos    map[domain.VideoJobID]*domain.VideoJob
	byBulk    map[domain.BulkJobID][]domain.VideoJobID
	schedules map[domain.ScheduleID]*domain.Schedule
	events    []*domain.JobEvent
	idemKeys  map[string]idemRecord // tenant|key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(idempotencyTTL time.Duration) *MemoryStore {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &MemoryStore{
		idempotencyTTL: idempotencyTTL,
		now:            time.Now,
		bulks:          make(map[domain.BulkJobID]*domain.BulkJob),
		videos:         make(map[domain.VideoJobID]*domain.VideoJob),
		byBulk:         make(map[domain.BulkJobID][]domain.VideoJobID),
		schedules:      make(map[domain.ScheduleID]*domain.Schedule),
		idemKeys:       make(map[string]idemRecord),
	}
}

// specHash fingerprints a create request for idempotency comparison.
func specHash(spec BulkJobSpec) string {
	data, _ := json.Marshal(spec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func idemMapKey(tenantID, key string) string {
	return tenantID + "|" + key
}

// CreateBulkJob creates a bulk job and its video jobs, honoring the
// idempotency key within its validity window.
func (s *MemoryStore) CreateBulkJob(ctx context.Context, spec BulkJobSpec, idempotencyKey string) (*domain.BulkJob, []*domain.VideoJob, bool, error) {
	if len(spec.Items) == 0 {
		return nil, nil, false, domain.NewJobError("", "create bulk job: no items", domain.ErrValidation)
	}
	if err := spec.Constraints.Validate(); err != nil {
		return nil, nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if rec, ok := s.idemKeys[idemMapKey(spec.TenantID, idempotencyKey)]; ok && s.now().Before(rec.expiresAt) {
			if rec.specHash != specHash(spec) {
				return nil, nil, false, domain.NewJobError(rec.bulkID.String(), "create bulk job", domain.ErrIdempotencyConflict)
			}
			existing := s.bulks[rec.bulkID]
			return cloneBulk(s.refreshCountsLocked(existing)), s.videosSnapshotLocked(rec.bulkID), false, nil
		}
	}

	bulk := domain.NewBulkJob(domain.BulkJobID(uuid.NewString()), spec.TenantID, spec.Title, spec.Priority)
	bulk.IdempotencyKey = idempotencyKey
	bulk.ProcessingDeadline = spec.ProcessingDeadline
	bulk.CallbackURL = spec.CallbackURL
	bulk.Constraints = spec.Constraints
	bulk.EffectivePriority = spec.Priority.BaseWeight()
	bulk.Items.Total = len(spec.Items)

	videos := make([]*domain.VideoJob, 0, len(spec.Items))
	for _, input := range spec.Items {
		v := domain.NewVideoJob(domain.VideoJobID(uuid.NewString()), bulk.ID, spec.Priority, input)
		v.DispatchWindows = spec.Constraints.DispatchWindows
		videos = append(videos, v)
		s.videos[v.ID] = v
		s.byBulk[bulk.ID] = append(s.byBulk[bulk.ID], v.ID)
	}
	s.bulks[bulk.ID] = bulk

	if idempotencyKey != "" {
		s.idemKeys[idemMapKey(spec.TenantID, idempotencyKey)] = idemRecord{
			bulkID:    bulk.ID,
			specHash:  specHash(spec),
			expiresAt: s.now().Add(s.idempotencyTTL),
		}
	}

	out := make([]*domain.VideoJob, len(videos))
	for i, v := range videos {
		out[i] = cloneVideo(v)
	}
	return cloneBulk(bulk), out, true, nil
}

// cloneBulk and cloneVideo return snapshots of store records. No internal
// pointer ever escapes the store, matching the sqlite driver, so callers
// like the queue can mutate their copies without racing store reads.
// Pointer and slice fields are reassigned on mutation, never edited in
// place, so shallow copies are stable views.
func cloneBulk(b *domain.BulkJob) *domain.BulkJob {
	c := *b
	return &c
}

func cloneVideo(v *domain.VideoJob) *domain.VideoJob {
	c := *v
	return &c
}

// videosForLocked returns the bulk's video jobs. Caller holds s.mu.
func (s *MemoryStore) videosForLocked(bulkID domain.BulkJobID) []*domain.VideoJob {
	ids := s.byBulk[bulkID]
	videos := make([]*domain.VideoJob, 0, len(ids))
	for _, id := range ids {
		videos = append(videos, s.videos[id])
	}
	return videos
}

// videosSnapshotLocked returns copies of the bulk's video jobs. Caller
// holds s.mu.
func (s *MemoryStore) videosSnapshotLocked(bulkID domain.BulkJobID) []*domain.VideoJob {
	internal := s.videosForLocked(bulkID)
	videos := make([]*domain.VideoJob, len(internal))
	for i, v := range internal {
		videos[i] = cloneVideo(v)
	}
	return videos
}

// refreshCountsLocked recomputes the bulk's counters. Caller holds s.mu.
func (s *MemoryStore) refreshCountsLocked(bulk *domain.BulkJob) *domain.BulkJob {
	bulk.Items = computeCounts(s.videosForLocked(bulk.ID))
	return bulk
}

// GetBulkJob retrieves a bulk job with refreshed item counts.
func (s *MemoryStore) GetBulkJob(ctx context.Context, id domain.BulkJobID) (*domain.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulk, ok := s.bulks[id]
	if !ok {
		return nil, domain.ErrBulkJobNotFound
	}
	return cloneBulk(s.refreshCountsLocked(bulk)), nil
}

// ListBulkJobs lists bulk jobs, newest first.
func (s *MemoryStore) ListBulkJobs(ctx context.Context, state *domain.BulkJobState, limit, offset int) ([]*domain.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*domain.BulkJob, 0, len(s.bulks))
	for _, b := range s.bulks {
		if state != nil && b.State != *state {
			continue
		}
		all = append(all, cloneBulk(s.refreshCountsLocked(b)))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return []*domain.BulkJob{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// TransitionBulkJob moves a bulk job through its state machine.
func (s *MemoryStore) TransitionBulkJob(ctx context.Context, id domain.BulkJobID, to domain.BulkJobState) (*domain.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulk, ok := s.bulks[id]
	if !ok {
		return nil, domain.ErrBulkJobNotFound
	}
	if !bulk.State.CanTransition(to) {
		return nil, domain.NewJobError(id.String(), "transition "+string(bulk.State)+" -> "+string(to), domain.ErrInvalidTransition)
	}

	bulk.State = to
	now := s.now()
	bulk.UpdatedAt = now
	if to == domain.BulkJobRunning && bulk.StartedAt == nil {
		t := now
		bulk.StartedAt = &t
	}
	return cloneBulk(s.refreshCountsLocked(bulk)), nil
}

// GetVideoJob retrieves a video job.
func (s *MemoryStore) GetVideoJob(ctx context.Context, id domain.VideoJobID) (*domain.VideoJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, domain.ErrVideoJobNotFound
	}
	return cloneVideo(v), nil
}

// ListVideoJobs lists a bulk job's video jobs in creation order.
func (s *MemoryStore) ListVideoJobs(ctx context.Context, bulkID domain.BulkJobID) ([]*domain.VideoJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.bulks[bulkID]; !ok {
		return nil, domain.ErrBulkJobNotFound
	}
	return s.videosSnapshotLocked(bulkID), nil
}

// ClaimVideoJob atomically swaps queued -> dispatched.
func (s *MemoryStore) ClaimVideoJob(ctx context.Context, id domain.VideoJobID) (*domain.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, domain.ErrVideoJobNotFound
	}
	if v.State != domain.VideoJobQueued && v.State != domain.VideoJobRateLimited {
		return nil, domain.NewJobError(id.String(), "claim", domain.ErrJobClaimed)
	}

	now := s.now()
	v.State = domain.VideoJobDispatched
	v.DispatchedAt = &now
	v.UpdatedAt = now
	return cloneVideo(v), nil
}

// TransitionVideoJob moves a video job through its state machine.
func (s *MemoryStore) TransitionVideoJob(ctx context.Context, id domain.VideoJobID, to domain.VideoJobState, detail string) (*domain.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, domain.ErrVideoJobNotFound
	}
	if !v.State.CanTransition(to) {
		return nil, domain.NewJobError(id.String(), "transition "+string(v.State)+" -> "+string(to), domain.ErrInvalidTransition)
	}

	now := s.now()
	v.State = to
	v.UpdatedAt = now

	switch to {
	case domain.VideoJobRetried:
		v.RetryCount++
		v.LastError = detail
	case domain.VideoJobFailed:
		v.LastError = detail
		t := now
		v.FinishedAt = &t
	case domain.VideoJobCompleted, domain.VideoJobCanceled:
		t := now
		v.FinishedAt = &t
	case domain.VideoJobQueued:
		// Back from retried or rate_limited; clear the claim marker so a
		// fresh claim can CAS again.
		v.DispatchedAt = nil
	}
	return cloneVideo(v), nil
}

// UpdateVideoJobPlan attaches schedule metadata to a video job.
func (s *MemoryStore) UpdateVideoJobPlan(ctx context.Context, id domain.VideoJobID, scheduleID domain.ScheduleID, provider string, windows []domain.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return domain.ErrVideoJobNotFound
	}
	v.ScheduleID = scheduleID
	v.Provider = provider
	if windows != nil {
		v.DispatchWindows = windows
	}
	v.UpdatedAt = s.now()
	return nil
}

// SetVideoJobRetry records retry bookkeeping before a requeue.
func (s *MemoryStore) SetVideoJobRetry(ctx context.Context, id domain.VideoJobID, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return domain.ErrVideoJobNotFound
	}
	v.RetryAfter = &retryAfter
	v.UpdatedAt = s.now()
	return nil
}

// SaveSchedule persists an immutable schedule.
func (s *MemoryStore) SaveSchedule(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[sched.ID] = sched
	if bulk, ok := s.bulks[sched.BulkJobID]; ok {
		bulk.ScheduleID = sched.ID
		bulk.UpdatedAt = s.now()
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *MemoryStore) GetSchedule(ctx context.Context, id domain.ScheduleID) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return sched, nil
}

// LatestSchedule retrieves the most recent schedule for a bulk job.
func (s *MemoryStore) LatestSchedule(ctx context.Context, bulkID domain.BulkJobID) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Schedule
	for _, sched := range s.schedules {
		if sched.BulkJobID != bulkID {
			continue
		}
		if latest == nil || sched.GeneratedAt.After(latest.GeneratedAt) {
			latest = sched
		}
	}
	if latest == nil {
		return nil, domain.ErrScheduleNotFound
	}
	return latest, nil
}

// AppendEvent appends to the event log.
func (s *MemoryStore) AppendEvent(ctx context.Context, ev *domain.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	return nil
}

// ListEvents returns the most recent events for a bulk job, newest first.
func (s *MemoryStore) ListEvents(ctx context.Context, bulkID domain.BulkJobID, limit int) ([]*domain.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.JobEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].BulkJobID != bulkID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListStaleDispatched returns video jobs stuck in dispatched since before
// the cutoff.
func (s *MemoryStore) ListStaleDispatched(ctx context.Context, cutoff time.Time) ([]*domain.VideoJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.VideoJob
	for _, v := range s.videos {
		if v.State == domain.VideoJobDispatched && v.DispatchedAt != nil && v.DispatchedAt.Before(cutoff) {
			out = append(out, cloneVideo(v))
		}
	}
	return out, nil
}

// SweepIdempotencyKeys deletes expired keys.
func (s *MemoryStore) SweepIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, rec := range s.idemKeys {
		if !now.Before(rec.expiresAt) {
			delete(s.idemKeys, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
