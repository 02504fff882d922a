package domain

import (
	"time"
)

// ScheduleID is a unique identifier for a schedule.
type ScheduleID string

// String returns the string representation of the ScheduleID.
func (id ScheduleID) String() string {
	return string(id)
}

// Window is a time interval during which a job is eligible for dispatch.
// A zero Start means "from now"; a zero End means "no upper bound".
type Window struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Constraints are the scheduling inputs attached to a bulk job. Validated
// at construction, not at use.
type Constraints struct {
	StartAfter           *time.Time `json:"start_after,omitempty"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	SuggestedConcurrency int        `json:"suggested_concurrency,omitempty"`
	PriorityHint         Tier       `json:"priority_hint,omitempty"`
	ProviderPrefs        []string   `json:"provider_prefs,omitempty"`
	DispatchWindows      []Window   `json:"dispatch_windows,omitempty"`
}

// Validate rejects conflicting windows.
func (c Constraints) Validate() error {
	if c.StartAfter != nil && c.Deadline != nil && c.Deadline.Before(*c.StartAfter) {
		return NewJobError("", "validate constraints: deadline before start_after", ErrValidation)
	}
	for _, w := range c.DispatchWindows {
		if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
			return NewJobError("", "validate constraints: window end before start", ErrValidation)
		}
	}
	if c.SuggestedConcurrency < 0 {
		return NewJobError("", "validate constraints: negative concurrency", ErrValidation)
	}
	return nil
}

// ScheduleEntry is the planned placement of one video job.
type ScheduleEntry struct {
	VideoJobID     VideoJobID `json:"video_job_id"`
	PlannedStartAt time.Time  `json:"planned_start_at"`
	Position       int        `json:"position"`
	Provider       string     `json:"provider"`
	DeadlineAtRisk bool       `json:"deadline_at_risk,omitempty"`
}

// Schedule is an immutable dispatch plan for one bulk job. Re-optimization
// issues a new ScheduleID; prior plans are kept for audit, never mutated.
type Schedule struct {
	ID          ScheduleID      `json:"id"`
	BulkJobID   BulkJobID       `json:"bulk_job_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Entries     []ScheduleEntry `json:"entries"`
	Supersedes  ScheduleID      `json:"supersedes,omitempty"`
}
