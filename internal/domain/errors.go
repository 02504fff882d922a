package domain

import "errors"

// Domain errors.
var (
	// ErrBulkJobNotFound is returned when a bulk job cannot be found.
	ErrBulkJobNotFound = errors.New("bulk job not found")

	// ErrVideoJobNotFound is returned when a video job cannot be found.
	ErrVideoJobNotFound = errors.New("video job not found")

	// ErrScheduleNotFound is returned when a schedule cannot be found.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrNoJobs is returned when the queue has no jobs at all.
	ErrNoJobs = errors.New("no jobs available")

	// ErrNoEligibleJobs is returned when jobs exist but none may be
	// dispatched right now (closed windows, rate-limited deferrals).
	ErrNoEligibleJobs = errors.New("no eligible jobs right now")

	// ErrInvalidTransition is returned when a state change violates the
	// job state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different request payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrRateLimited is returned when the limiter denies a dispatch.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoFeasiblePlan is returned when no schedule fits the current
	// quota; callers receive a suggested delayed window alongside it.
	ErrNoFeasiblePlan = errors.New("no feasible schedule under current quota")

	// ErrDeadlineExceeded is returned when a job's processing deadline has
	// passed before it could complete.
	ErrDeadlineExceeded = errors.New("processing deadline exceeded")

	// ErrJobClaimed is returned when a worker tries to claim a job another
	// worker already holds.
	ErrJobClaimed = errors.New("job already claimed")

	// ErrValidation is returned for malformed scheduling constraints or
	// create requests. Not retryable.
	ErrValidation = errors.New("validation failed")

	// ErrProvider is returned when the external generation provider fails.
	ErrProvider = errors.New("provider call failed")

	// ErrInternal is returned for store or queue invariant violations.
	ErrInternal = errors.New("internal error")
)

// JobError wraps an error with job context.
type JobError struct {
	JobID string
	Op    string
	Err   error
}

func (e *JobError) Error() string {
	if e.JobID != "" {
		return e.Op + " [" + e.JobID + "]: " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError creates a new JobError.
func NewJobError(jobID, op string, err error) *JobError {
	return &JobError{
		JobID: jobID,
		Op:    op,
		Err:   err,
	}
}

// ErrorCode maps a domain error to the stable code exposed to callers.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrNoFeasiblePlan):
		return "rate_limit_error"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrBulkJobNotFound), errors.Is(err, ErrVideoJobNotFound), errors.Is(err, ErrScheduleNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal_error"
	}
}
