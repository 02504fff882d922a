package domain

import (
	"encoding/json"
	"time"
)

// VideoJobID is a unique identifier for a video job.
type VideoJobID string

// String returns the string representation of the VideoJobID.
func (id VideoJobID) String() string {
	return string(id)
}

// Tier is a job's base priority class.
type Tier string

const (
	TierUrgent Tier = "urgent"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

// BaseWeight returns the dequeue weight for the tier.
func (t Tier) BaseWeight() int {
	switch t {
	case TierUrgent:
		return 100
	case TierNormal:
		return 10
	default:
		return 1
	}
}

// ParseTier maps a request string to a Tier, defaulting to normal.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierUrgent, TierNormal, TierLow:
		return Tier(s)
	}
	return TierNormal
}

// VideoJobState represents the lifecycle state of a single video job.
type VideoJobState string

const (
	VideoJobQueued      VideoJobState = "queued"
	VideoJobRateLimited VideoJobState = "rate_limited"
	VideoJobDispatched  VideoJobState = "dispatched"
	VideoJobInProgress  VideoJobState = "in_progress"
	VideoJobCompleted   VideoJobState = "completed"
	VideoJobFailed      VideoJobState = "failed"
	VideoJobRetried     VideoJobState = "retried"
	VideoJobCanceled    VideoJobState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
// Retried is not terminal: it immediately re-enters queued.
func (s VideoJobState) Terminal() bool {
	switch s {
	case VideoJobCompleted, VideoJobFailed, VideoJobCanceled:
		return true
	}
	return false
}

var videoTransitions = map[VideoJobState][]VideoJobState{
	VideoJobQueued:      {VideoJobRateLimited, VideoJobDispatched, VideoJobCanceled, VideoJobFailed},
	VideoJobRateLimited: {VideoJobQueued, VideoJobDispatched, VideoJobCanceled, VideoJobFailed},
	VideoJobDispatched:  {VideoJobInProgress, VideoJobCompleted, VideoJobFailed, VideoJobRetried, VideoJobCanceled},
	VideoJobInProgress:  {VideoJobCompleted, VideoJobFailed, VideoJobRetried, VideoJobCanceled},
	VideoJobRetried:     {VideoJobQueued},
}

// CanTransition reports whether moving from -> to is allowed.
func (s VideoJobState) CanTransition(to VideoJobState) bool {
	for _, next := range videoTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// VideoJob is one generation work item, exclusively owned by its BulkJob
// for lifecycle purposes but independently dispatchable.
type VideoJob struct {
	ID                VideoJobID      `json:"id"`
	BulkJobID         BulkJobID       `json:"bulk_job_id"`
	Input             json.RawMessage `json:"input"`
	Tier              Tier            `json:"tier"`
	PriorityHint      int             `json:"priority_hint,omitempty"`
	MaxParallelism    int             `json:"max_parallelism,omitempty"`
	DispatchWindows   []Window        `json:"dispatch_windows,omitempty"`
	ScheduleID        ScheduleID      `json:"schedule_id,omitempty"`
	EffectivePriority int             `json:"effective_priority"`
	Provider          string          `json:"provider,omitempty"`
	State             VideoJobState   `json:"state"`
	RetryCount        int             `json:"retry_count"`
	RetryAfter        *time.Time      `json:"retry_after,omitempty"`
	Cost              float64         `json:"cost"`
	LastError         string          `json:"last_error,omitempty"`
	DispatchedAt      *time.Time      `json:"dispatched_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewVideoJob creates a queued video job inheriting its bulk job's tier.
func NewVideoJob(id VideoJobID, bulkID BulkJobID, tier Tier, input json.RawMessage) *VideoJob {
	now := time.Now()
	return &VideoJob{
		ID:                id,
		BulkJobID:         bulkID,
		Input:             input,
		Tier:              tier,
		State:             VideoJobQueued,
		EffectivePriority: tier.BaseWeight(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// WindowOpen reports whether the job may be dispatched at t. A job with no
// declared windows is always eligible.
func (j *VideoJob) WindowOpen(t time.Time) bool {
	if len(j.DispatchWindows) == 0 {
		return true
	}
	for _, w := range j.DispatchWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}
