package domain

import (
	"encoding/json"
	"time"
)

// EventID is a unique identifier for a job event.
type EventID string

// String returns the string representation of the EventID.
func (id EventID) String() string {
	return string(id)
}

// EventType names the kinds of events recorded in the job log and fanned
// out to subscribers.
type EventType string

const (
	EventJobStateChanged EventType = "job.state_changed"
	EventJobProgress     EventType = "job.progress"
	EventVideoCompleted  EventType = "video.completed"
	EventVideoFailed     EventType = "video.failed"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
)

// JobEvent is one append-only record in a bulk job's history. Source of
// truth for progress aggregation and audit; never mutated.
type JobEvent struct {
	ID         EventID         `json:"id"`
	BulkJobID  BulkJobID       `json:"bulk_job_id"`
	VideoJobID VideoJobID      `json:"video_job_id,omitempty"`
	ScheduleID ScheduleID      `json:"schedule_id,omitempty"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventPayload is a helper for building event payloads.
type EventPayload map[string]any

// ToJSON converts the payload to JSON for storage.
func (p EventPayload) ToJSON() json.RawMessage {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return data
}

// Envelope is the wire format delivered to callbacks and stream
// subscribers.
type Envelope struct {
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// Progress is the aggregate snapshot exposed to dashboards and pollers.
type Progress struct {
	PercentComplete   float64 `json:"percent_complete"`
	ItemsTotal        int     `json:"items_total"`
	ItemsCompleted    int     `json:"items_completed"`
	ItemsFailed       int     `json:"items_failed"`
	ItemsSkipped      int     `json:"items_skipped"`
	ItemsCanceled     int     `json:"items_canceled"`
	ItemsPending      int     `json:"items_pending"`
	TimeToStartMS     int64   `json:"time_to_start_ms"`
	TimeProcessingMS  int64   `json:"time_processing_ms"`
	AvgDurationMSItem int64   `json:"average_duration_ms_per_item"`
	EtaMS             int64   `json:"eta_ms"`
	RateLimited       bool    `json:"rate_limited"`
}

// Subscriber consumes job events. Implementations must not block: delivery
// is best-effort and the bus drops a subscriber after repeated failures.
type Subscriber interface {
	// Handle delivers one event envelope. A non-nil error counts toward
	// the subscriber's consecutive-failure limit.
	Handle(env Envelope) error
}
