package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/iconidentify/genqueue/internal/config"
	"github.com/iconidentify/genqueue/internal/domain"
)

// Outcome is a worker's verdict when acking a claimed job.
type Outcome int

const (
	// OutcomeCompleted removes the job from the queue for good.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed removes the job; retries re-enter via OutcomeRetry.
	OutcomeFailed
	// OutcomeCanceled removes the job.
	OutcomeCanceled
	// OutcomeRetry re-queues the job, honoring its RetryAfter if set.
	OutcomeRetry
	// OutcomeRateLimited re-queues the job deferred until its RetryAfter.
	OutcomeRateLimited
)

// entry is one queued job plus its admission bookkeeping.
type entry struct {
	job *domain.VideoJob
	// deferUntil suppresses claims until it passes. Zero means no deferral.
	deferUntil time.Time
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Urgent  int `json:"urgent"`
	Normal  int `json:"normal"`
	Low     int `json:"low"`
	Claimed int `json:"claimed"`
}

// Manager holds ready-to-dispatch video jobs ordered by tier and
// age-adjusted effective priority. All mutation happens under one mutex;
// aging and tier promotion are evaluated at claim time only, so a claimed
// job is never preempted.
type Manager struct {
	cfg config.QueueConfig
	now func() time.Time

	mu      sync.Mutex
	queued  []*entry
	claimed map[domain.VideoJobID]*entry
	paused  map[domain.BulkJobID]bool
}

// NewManager creates an empty queue manager.
func NewManager(cfg config.QueueConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		now:     time.Now,
		claimed: make(map[domain.VideoJobID]*entry),
		paused:  make(map[domain.BulkJobID]bool),
	}
}

// NewManagerWithClock creates a queue manager with an injected time source.
func NewManagerWithClock(cfg config.QueueConfig, now func() time.Time) *Manager {
	m := NewManager(cfg)
	m.now = now
	return m
}

// Add admits a job to the queue.
func (m *Manager) Add(job *domain.VideoJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{job: job}
	if job.RetryAfter != nil {
		e.deferUntil = *job.RetryAfter
	}
	m.queued = append(m.queued, e)
}

// effectivePriority computes the age-adjusted priority at time now,
// promoting long-waiting LOW jobs to the NORMAL tier. The stored value only
// ever goes up while the job is queued.
func (m *Manager) effectivePriority(e *entry, now time.Time) int {
	wait := now.Sub(e.job.CreatedAt)

	tier := e.job.Tier
	if tier == domain.TierLow && wait >= m.cfg.LowPromoteAfter {
		tier = domain.TierNormal
		e.job.Tier = domain.TierNormal
	}

	p := tier.BaseWeight() + e.job.PriorityHint
	switch tier {
	case domain.TierNormal:
		if wait >= m.cfg.NormalAgingAfter {
			p += m.cfg.NormalAgingBoost
		}
	case domain.TierLow:
		if wait >= m.cfg.LowAgingAfter {
			p += m.cfg.LowAgingBoost
		}
	}

	if p > e.job.EffectivePriority {
		e.job.EffectivePriority = p
	}
	return e.job.EffectivePriority
}

// ClaimNext hands the highest effective-priority eligible job to a worker.
// FIFO by creation time breaks ties. Returns ErrNoJobs when the queue is
// empty and ErrNoEligibleJobs when jobs exist but none may run right now
// (closed windows, deferred retries, paused bulk jobs), so callers can back
// off instead of hot-looping.
func (m *Manager) ClaimNext(workerID string) (*domain.VideoJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queued) == 0 {
		return nil, domain.ErrNoJobs
	}

	now := m.now()
	best := -1
	bestPrio := 0
	for i, e := range m.queued {
		if m.paused[e.job.BulkJobID] {
			continue
		}
		if !e.deferUntil.IsZero() && now.Before(e.deferUntil) {
			continue
		}
		if !e.job.WindowOpen(now) {
			continue
		}
		p := m.effectivePriority(e, now)
		if best == -1 || p > bestPrio ||
			(p == bestPrio && e.job.CreatedAt.Before(m.queued[best].job.CreatedAt)) {
			best = i
			bestPrio = p
		}
	}

	if best == -1 {
		return nil, domain.ErrNoEligibleJobs
	}

	e := m.queued[best]
	m.queued = append(m.queued[:best], m.queued[best+1:]...)
	m.claimed[e.job.ID] = e
	return e.job, nil
}

// Ack resolves a claimed job. Retry outcomes re-admit it, keeping the
// original creation time so aging continues to accrue.
func (m *Manager) Ack(id domain.VideoJobID, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.claimed[id]
	if !ok {
		return domain.NewJobError(id.String(), "ack", domain.ErrVideoJobNotFound)
	}
	delete(m.claimed, id)

	switch outcome {
	case OutcomeRetry, OutcomeRateLimited:
		e.deferUntil = time.Time{}
		if e.job.RetryAfter != nil {
			e.deferUntil = *e.job.RetryAfter
		}
		m.queued = append(m.queued, e)
	}
	return nil
}

// Pause suppresses claims for a bulk job's queued items. In-flight claims
// are unaffected.
func (m *Manager) Pause(bulkID domain.BulkJobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[bulkID] = true
}

// Resume re-admits a paused bulk job's queued items.
func (m *Manager) Resume(bulkID domain.BulkJobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, bulkID)
}

// RemoveBulk drops all queued (not claimed) jobs of a bulk job and returns
// them, for cooperative cancellation.
func (m *Manager) RemoveBulk(bulkID domain.BulkJobID) []*domain.VideoJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*domain.VideoJob
	kept := m.queued[:0]
	for _, e := range m.queued {
		if e.job.BulkJobID == bulkID {
			removed = append(removed, e.job)
			continue
		}
		kept = append(kept, e)
	}
	m.queued = kept
	delete(m.paused, bulkID)
	return removed
}

// Snapshot lists queued jobs ordered by current effective priority, highest
// first. Used by the scheduler and the stats endpoint.
func (m *Manager) Snapshot() []*domain.VideoJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	jobs := make([]*domain.VideoJob, 0, len(m.queued))
	for _, e := range m.queued {
		m.effectivePriority(e, now)
		jobs = append(jobs, e.job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].EffectivePriority != jobs[j].EffectivePriority {
			return jobs[i].EffectivePriority > jobs[j].EffectivePriority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Stats returns current queue depths by tier.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Claimed: len(m.claimed)}
	for _, e := range m.queued {
		switch e.job.Tier {
		case domain.TierUrgent:
			s.Urgent++
		case domain.TierNormal:
			s.Normal++
		default:
			s.Low++
		}
	}
	return s
}

// Len returns the number of queued (unclaimed) jobs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}
