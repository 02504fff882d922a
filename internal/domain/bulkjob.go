package domain

import (
	"time"
)

// BulkJobID is a unique identifier for a bulk job.
type BulkJobID string

// String returns the string representation of the BulkJobID.
func (id BulkJobID) String() string {
	return string(id)
}

// BulkJobState represents the lifecycle state of a bulk job.
type BulkJobState string

const (
	BulkJobPending    BulkJobState = "pending"
	BulkJobRunning    BulkJobState = "running"
	BulkJobPausing    BulkJobState = "pausing"
	BulkJobPaused     BulkJobState = "paused"
	BulkJobCompleting BulkJobState = "completing"
	BulkJobCanceling  BulkJobState = "canceling"
	BulkJobCanceled   BulkJobState = "canceled"
	BulkJobCompleted  BulkJobState = "completed"
	BulkJobFailed     BulkJobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s BulkJobState) Terminal() bool {
	switch s {
	case BulkJobCompleted, BulkJobFailed, BulkJobCanceled:
		return true
	}
	return false
}

// bulkTransitions is the allowed state graph. Any non-terminal state may
// additionally move to failed.
var bulkTransitions = map[BulkJobState][]BulkJobState{
	BulkJobPending:    {BulkJobRunning, BulkJobCanceling},
	BulkJobRunning:    {BulkJobPausing, BulkJobCanceling, BulkJobCompleting, BulkJobCompleted},
	BulkJobPausing:    {BulkJobPaused, BulkJobCanceling},
	BulkJobPaused:     {BulkJobRunning, BulkJobCanceling},
	BulkJobCompleting: {BulkJobCompleted},
	BulkJobCanceling:  {BulkJobCanceled},
}

// CanTransition reports whether moving from -> to is allowed.
func (s BulkJobState) CanTransition(to BulkJobState) bool {
	if s.Terminal() {
		return false
	}
	if to == BulkJobFailed {
		return true
	}
	for _, next := range bulkTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ItemCounts tracks per-item outcomes for a bulk job.
// Total = Completed + Failed + Skipped + Canceled + Pending at all times.
type ItemCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Canceled  int `json:"canceled"`
}

// Pending returns the number of items not yet in a terminal outcome.
func (c ItemCounts) Pending() int {
	return c.Total - c.Completed - c.Failed - c.Skipped - c.Canceled
}

// BulkJob is one bulk generation request owning 1..N video jobs.
type BulkJob struct {
	ID                 BulkJobID       `json:"id"`
	TenantID           string          `json:"tenant_id"`
	Title              string          `json:"title"`
	State              BulkJobState    `json:"state"`
	Priority           Tier            `json:"priority"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	Items              ItemCounts      `json:"items"`
	ProcessingDeadline time.Duration   `json:"processing_deadline_ms"`
	CallbackURL        string          `json:"callback_url,omitempty"`
	Constraints        Constraints     `json:"constraints"`
	ScheduleID         ScheduleID      `json:"schedule_id,omitempty"`
	EffectivePriority  int             `json:"effective_priority"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewBulkJob creates a pending bulk job.
func NewBulkJob(id BulkJobID, tenantID, title string, priority Tier) *BulkJob {
	now := time.Now()
	return &BulkJob{
		ID:        id,
		TenantID:  tenantID,
		Title:     title,
		State:     BulkJobPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
