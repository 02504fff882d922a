package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iconidentify/genqueue/internal/domain"
)

// BulkJobSpec is the validated input for creating a bulk job with its
// video jobs.
type BulkJobSpec struct {
	TenantID           string             `json:"tenant_id"`
	Title              string             `json:"title"`
	Priority           domain.Tier        `json:"priority"`
	ProcessingDeadline time.Duration      `json:"processing_deadline_ms"`
	CallbackURL        string             `json:"callback_url,omitempty"`
	Constraints        domain.Constraints `json:"constraints"`
	Items              []json.RawMessage  `json:"items"`
}

// JobStore is the durable state for bulk jobs, video jobs, schedules,
// idempotency keys and the append-only event log. Implementations must
// serialize writes: the claim operation is an atomic compare-and-swap on
// job state, never a read-then-write.
type JobStore interface {
	// CreateBulkJob creates a bulk job and its video jobs. When
	// idempotencyKey is non-empty and was already used by this tenant
	// within the validity window, the original bulk job is returned
	// unchanged with created=false. A new spec under a reused key is an
	// ErrIdempotencyConflict.
	CreateBulkJob(ctx context.Context, spec BulkJobSpec, idempotencyKey string) (bulk *domain.BulkJob, videos []*domain.VideoJob, created bool, err error)

	// GetBulkJob retrieves a bulk job with refreshed item counts.
	GetBulkJob(ctx context.Context, id domain.BulkJobID) (*domain.BulkJob, error)

	// ListBulkJobs lists bulk jobs, optionally filtered by state.
	ListBulkJobs(ctx context.Context, state *domain.BulkJobState, limit, offset int) ([]*domain.BulkJob, error)

	// TransitionBulkJob moves a bulk job through its state machine,
	// returning ErrInvalidTransition for a disallowed move.
	TransitionBulkJob(ctx context.Context, id domain.BulkJobID, to domain.BulkJobState) (*domain.BulkJob, error)

	// GetVideoJob retrieves a video job.
	GetVideoJob(ctx context.Context, id domain.VideoJobID) (*domain.VideoJob, error)

	// ListVideoJobs lists a bulk job's video jobs.
	ListVideoJobs(ctx context.Context, bulkID domain.BulkJobID) ([]*domain.VideoJob, error)

	// ClaimVideoJob atomically swaps queued -> dispatched. ErrJobClaimed
	// when another worker got there first.
	ClaimVideoJob(ctx context.Context, id domain.VideoJobID) (*domain.VideoJob, error)

	// TransitionVideoJob moves a video job through its state machine.
	// detail lands in LastError for failure states.
	TransitionVideoJob(ctx context.Context, id domain.VideoJobID, to domain.VideoJobState, detail string) (*domain.VideoJob, error)

	// UpdateVideoJobPlan attaches schedule metadata to a video job.
	UpdateVideoJobPlan(ctx context.Context, id domain.VideoJobID, scheduleID domain.ScheduleID, provider string, windows []domain.Window) error

	// SetVideoJobRetry records retry bookkeeping before a requeue.
	SetVideoJobRetry(ctx context.Context, id domain.VideoJobID, retryAfter time.Time) error

	// SaveSchedule persists an immutable schedule.
	SaveSchedule(ctx context.Context, s *domain.Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, id domain.ScheduleID) (*domain.Schedule, error)

	// LatestSchedule retrieves the most recent schedule for a bulk job.
	LatestSchedule(ctx context.Context, bulkID domain.BulkJobID) (*domain.Schedule, error)

	// AppendEvent appends to the event log. The log is never mutated.
	AppendEvent(ctx context.Context, ev *domain.JobEvent) error

	// ListEvents returns the most recent events for a bulk job, newest
	// first.
	ListEvents(ctx context.Context, bulkID domain.BulkJobID, limit int) ([]*domain.JobEvent, error)

	// ListStaleDispatched returns video jobs stuck in dispatched since
	// before the cutoff, for the janitor to requeue.
	ListStaleDispatched(ctx context.Context, cutoff time.Time) ([]*domain.VideoJob, error)

	// SweepIdempotencyKeys deletes keys that expired before now and
	// returns how many were removed.
	SweepIdempotencyKeys(ctx context.Context, now time.Time) (int, error)

	// Close releases store resources.
	Close() error
}
