package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/store"
)

// QuotaFunc reports the estimated request headroom for a provider. The
// rate limiter's per-project token count backs this in production.
type QuotaFunc func(provider string) float64

// QuotaError carries a suggested delayed window when no feasible plan
// exists under current quota.
type QuotaError struct {
	SuggestedWindow domain.Window
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("no feasible schedule; retry in window starting %s",
		e.SuggestedWindow.Start.Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error { return domain.ErrNoFeasiblePlan }

// Service translates bulk-level constraints into per-job dispatch plans.
// Plans are immutable; re-running issues a new schedule that supersedes
// the previous one.
type Service struct {
	store     store.JobStore
	quota     QuotaFunc
	providers []string
	logger    *slog.Logger
	now       func() time.Time

	// baseSpacing staggers starts between jobs sharing a provider. The
	// observed deny rate widens it.
	baseSpacing time.Duration

	mu      sync.Mutex
	denyEMA float64
}

// New creates a scheduling service. providers lists the generators
// available for assignment, in preference order.
func New(st store.JobStore, quota QuotaFunc, providers []string, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		quota:       quota,
		providers:   providers,
		logger:      logger,
		now:         time.Now,
		baseSpacing: 200 * time.Millisecond,
	}
}

// ObserveDecision feeds limiter outcomes into the deny-rate estimate used
// to widen stagger spacing.
func (s *Service) ObserveDecision(allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample := 0.0
	if !allowed {
		sample = 1.0
	}
	const alpha = 0.1
	s.denyEMA = alpha*sample + (1-alpha)*s.denyEMA
}

// DenyRate returns the current deny-rate estimate.
func (s *Service) DenyRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denyEMA
}

func (s *Service) spacing() time.Duration {
	s.mu.Lock()
	deny := s.denyEMA
	s.mu.Unlock()
	return time.Duration(float64(s.baseSpacing) * (1 + 4*deny))
}

// plannable reports whether a job still needs a dispatch slot.
func plannable(v *domain.VideoJob) bool {
	switch v.State {
	case domain.VideoJobQueued, domain.VideoJobRateLimited:
		return true
	}
	return false
}

// ComputeSchedule builds a dispatch plan for a bulk job under the given
// constraints. The plan assigns each plannable video job a planned start,
// an ordering position, and a provider. Jobs that cannot meet the deadline
// are marked deadline-at-risk, never dropped.
func (s *Service) ComputeSchedule(ctx context.Context, bulkID domain.BulkJobID, constraints domain.Constraints) (*domain.Schedule, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}

	bulk, err := s.store.GetBulkJob(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	videos, err := s.store.ListVideoJobs(ctx, bulkID)
	if err != nil {
		return nil, err
	}

	var jobs []*domain.VideoJob
	for _, v := range videos {
		if plannable(v) {
			jobs = append(jobs, v)
		}
	}

	now := s.now()
	startAt := now
	if constraints.StartAfter != nil && constraints.StartAfter.After(startAt) {
		startAt = *constraints.StartAfter
	}
	if len(constraints.DispatchWindows) > 0 {
		w := constraints.DispatchWindows[0]
		if !w.Start.IsZero() && w.Start.After(startAt) {
			startAt = w.Start
		}
	}

	if len(jobs) > 0 {
		if err := s.checkFeasibility(constraints, startAt, now); err != nil {
			return nil, err
		}
	}

	// Order by effective priority, then arrival.
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].EffectivePriority != jobs[j].EffectivePriority {
			return jobs[i].EffectivePriority > jobs[j].EffectivePriority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	assignments := s.assignProviders(jobs, constraints.ProviderPrefs)

	spacing := s.spacing()
	perProviderIdx := make(map[string]int)
	entries := make([]domain.ScheduleEntry, 0, len(jobs))
	for pos, v := range jobs {
		prov := assignments[v.ID]
		idx := perProviderIdx[prov]
		perProviderIdx[prov]++

		// Stagger within a provider; interleaving across providers uses
		// aggregate capacity.
		planned := startAt.Add(time.Duration(idx) * spacing)

		entry := domain.ScheduleEntry{
			VideoJobID:     v.ID,
			PlannedStartAt: planned,
			Position:       pos,
			Provider:       prov,
		}
		if constraints.Deadline != nil && planned.After(*constraints.Deadline) {
			entry.DeadlineAtRisk = true
		}
		entries = append(entries, entry)
	}

	sched := &domain.Schedule{
		ID:          domain.ScheduleID(uuid.NewString()),
		BulkJobID:   bulkID,
		GeneratedAt: now,
		Entries:     entries,
		Supersedes:  bulk.ScheduleID,
	}

	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	for _, e := range entries {
		windows := constraints.DispatchWindows
		if constraints.Deadline != nil && len(windows) == 0 {
			w := domain.Window{Start: e.PlannedStartAt, End: *constraints.Deadline}
			if e.DeadlineAtRisk {
				// The planned start already missed the deadline; keep only
				// the upper bound so the no-dispatch-after-deadline
				// invariant still holds if the plan is revised.
				w.Start = time.Time{}
			}
			windows = []domain.Window{w}
		}
		if err := s.store.UpdateVideoJobPlan(ctx, e.VideoJobID, sched.ID, e.Provider, windows); err != nil {
			return nil, fmt.Errorf("apply plan: %w", err)
		}
	}

	atRisk := 0
	for _, e := range entries {
		if e.DeadlineAtRisk {
			atRisk++
		}
	}
	s.logger.Info("schedule computed",
		"bulk_job_id", bulkID,
		"schedule_id", sched.ID,
		"jobs", len(entries),
		"deadline_at_risk", atRisk,
		"supersedes", sched.Supersedes,
	)
	return sched, nil
}

// checkFeasibility rejects plans that cannot start before their deadline
// under the current quota, suggesting a delayed window instead.
func (s *Service) checkFeasibility(constraints domain.Constraints, startAt, now time.Time) error {
	if constraints.Deadline == nil {
		return nil
	}

	headroom := 0.0
	candidates := s.candidateProviders(constraints.ProviderPrefs)
	for _, p := range candidates {
		headroom += s.quota(p)
	}
	if headroom >= 1 {
		return nil
	}

	// All candidate buckets are empty: nothing can dispatch before the
	// deadline if it is closer than the recovery delay.
	recovery := startAt.Add(time.Minute)
	if constraints.Deadline.Before(recovery) {
		return &QuotaError{SuggestedWindow: domain.Window{Start: recovery, End: recovery.Add(time.Hour)}}
	}
	return nil
}

// candidateProviders returns the providers eligible for this bulk job.
func (s *Service) candidateProviders(prefs []string) []string {
	if len(prefs) == 0 {
		return s.providers
	}
	var out []string
	for _, p := range prefs {
		for _, known := range s.providers {
			if p == known {
				out = append(out, p)
				break
			}
		}
	}
	if len(out) == 0 {
		return s.providers
	}
	return out
}

// assignProviders batches jobs by provider, reassigning away from
// near-exhausted providers when an alternate preference has headroom.
func (s *Service) assignProviders(jobs []*domain.VideoJob, prefs []string) map[domain.VideoJobID]string {
	candidates := s.candidateProviders(prefs)
	out := make(map[domain.VideoJobID]string, len(jobs))
	if len(candidates) == 0 {
		return out
	}

	// Remaining headroom per provider, consumed as jobs are assigned.
	headroom := make(map[string]float64, len(candidates))
	for _, p := range candidates {
		headroom[p] = s.quota(p)
	}

	next := 0
	for _, v := range jobs {
		// Keep a sticky assignment when the job already has a provider
		// with headroom.
		if v.Provider != "" && headroom[v.Provider] >= 1 {
			headroom[v.Provider]--
			out[v.ID] = v.Provider
			continue
		}

		// Round-robin across candidates, skipping exhausted ones when an
		// alternative has quota.
		assigned := ""
		for i := 0; i < len(candidates); i++ {
			p := candidates[(next+i)%len(candidates)]
			if headroom[p] >= 1 {
				assigned = p
				next = (next + i + 1) % len(candidates)
				break
			}
		}
		if assigned == "" {
			// Everyone is exhausted; fall back to the preferred provider
			// and let the entry surface as deadline-at-risk downstream.
			assigned = candidates[next%len(candidates)]
			next++
		}
		headroom[assigned]--
		out[v.ID] = assigned
	}
	return out
}
