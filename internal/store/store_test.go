package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iconidentify/genqueue/internal/domain"
)

// backends runs a subtest against both store implementations.
func backends(t *testing.T, fn func(t *testing.T, s JobStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore(24 * time.Hour)
		defer s.Close()
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")
		s, err := NewSQLiteStore(path, 24*time.Hour)
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func testSpec(items int) BulkJobSpec {
	inputs := make([]json.RawMessage, items)
	for i := range inputs {
		inputs[i] = json.RawMessage(`{"idea":"clip"}`)
	}
	return BulkJobSpec{
		TenantID:           "tenant-1",
		Title:              "spring campaign",
		Priority:           domain.TierNormal,
		ProcessingDeadline: time.Hour,
		CallbackURL:        "https://example.com/hook",
		Items:              inputs,
	}
}

func TestCreateBulkJob(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()

		bulk, videos, created, err := s.CreateBulkJob(ctx, testSpec(3), "")
		if err != nil {
			t.Fatalf("CreateBulkJob() error = %v", err)
		}
		if !created {
			t.Error("created should be true for a fresh job")
		}
		if bulk.State != domain.BulkJobPending {
			t.Errorf("state = %s, want pending", bulk.State)
		}
		if bulk.Items.Total != 3 || len(videos) != 3 {
			t.Errorf("items = %d/%d, want 3", bulk.Items.Total, len(videos))
		}
		for _, v := range videos {
			if v.State != domain.VideoJobQueued {
				t.Errorf("video state = %s, want queued", v.State)
			}
			if v.BulkJobID != bulk.ID {
				t.Error("video not linked to bulk job")
			}
		}
	})
}

func TestCreateBulkJob_NoItems(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		spec := testSpec(0)
		_, _, _, err := s.CreateBulkJob(context.Background(), spec, "")
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation for empty items, got %v", err)
		}
	})
}

func TestReturnedJobsAreSnapshots(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()

		bulk, videos, _, err := s.CreateBulkJob(ctx, testSpec(1), "")
		if err != nil {
			t.Fatalf("CreateBulkJob() error = %v", err)
		}

		// The queue mutates its copies at claim time; the store must not
		// observe those writes.
		videos[0].Tier = domain.TierUrgent
		videos[0].EffectivePriority = 999
		videos[0].State = domain.VideoJobFailed
		bulk.State = domain.BulkJobCanceled

		v, err := s.GetVideoJob(ctx, videos[0].ID)
		if err != nil {
			t.Fatalf("GetVideoJob() error = %v", err)
		}
		if v.Tier != domain.TierNormal || v.EffectivePriority == 999 || v.State != domain.VideoJobQueued {
			t.Errorf("store observed caller mutations: tier=%s prio=%d state=%s",
				v.Tier, v.EffectivePriority, v.State)
		}

		b, err := s.GetBulkJob(ctx, bulk.ID)
		if err != nil {
			t.Fatalf("GetBulkJob() error = %v", err)
		}
		if b.State != domain.BulkJobPending {
			t.Errorf("bulk state = %s, want pending", b.State)
		}

		// Reads hand out independent snapshots too.
		first, err := s.GetVideoJob(ctx, videos[0].ID)
		if err != nil {
			t.Fatalf("GetVideoJob() error = %v", err)
		}
		first.State = domain.VideoJobCanceled
		second, err := s.GetVideoJob(ctx, videos[0].ID)
		if err != nil {
			t.Fatalf("GetVideoJob() error = %v", err)
		}
		if second.State != domain.VideoJobQueued {
			t.Errorf("state = %s, want queued", second.State)
		}
	})
}

func TestCreateBulkJob_Idempotent(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		spec := testSpec(5)

		first, _, created, err := s.CreateBulkJob(ctx, spec, "key-1")
		if err != nil || !created {
			t.Fatalf("first create: created=%v err=%v", created, err)
		}

		second, videos, created, err := s.CreateBulkJob(ctx, spec, "key-1")
		if err != nil {
			t.Fatalf("second create: %v", err)
		}
		if created {
			t.Error("duplicate key should not create a new job")
		}
		if second.ID != first.ID {
			t.Errorf("duplicate returned id %s, want %s", second.ID, first.ID)
		}
		if second.Items.Total != 5 || len(videos) != 5 {
			t.Errorf("items_total changed on duplicate: %d", second.Items.Total)
		}
	})
}

func TestCreateBulkJob_IdempotencyConflict(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()

		if _, _, _, err := s.CreateBulkJob(ctx, testSpec(2), "key-1"); err != nil {
			t.Fatalf("first create: %v", err)
		}

		other := testSpec(2)
		other.Title = "different payload"
		_, _, _, err := s.CreateBulkJob(ctx, other, "key-1")
		if !errors.Is(err, domain.ErrIdempotencyConflict) {
			t.Errorf("expected ErrIdempotencyConflict, got %v", err)
		}

		// Key reuse by a different tenant is fine.
		foreign := testSpec(2)
		foreign.TenantID = "tenant-2"
		if _, _, created, err := s.CreateBulkJob(ctx, foreign, "key-1"); err != nil || !created {
			t.Errorf("key should be tenant-scoped: created=%v err=%v", created, err)
		}
	})
}

func TestTransitionBulkJob(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		bulk, _, _, _ := s.CreateBulkJob(ctx, testSpec(1), "")

		got, err := s.TransitionBulkJob(ctx, bulk.ID, domain.BulkJobRunning)
		if err != nil {
			t.Fatalf("transition to running: %v", err)
		}
		if got.State != domain.BulkJobRunning {
			t.Errorf("state = %s, want running", got.State)
		}
		if got.StartedAt == nil {
			t.Error("StartedAt should be set on first run")
		}

		if _, err := s.TransitionBulkJob(ctx, bulk.ID, domain.BulkJobPending); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("running -> pending should be invalid, got %v", err)
		}

		if _, err := s.TransitionBulkJob(ctx, "missing", domain.BulkJobRunning); !errors.Is(err, domain.ErrBulkJobNotFound) {
			t.Errorf("missing job should return not found, got %v", err)
		}
	})
}

func TestClaimVideoJob_CAS(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		_, videos, _, _ := s.CreateBulkJob(ctx, testSpec(1), "")
		id := videos[0].ID

		v, err := s.ClaimVideoJob(ctx, id)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if v.State != domain.VideoJobDispatched || v.DispatchedAt == nil {
			t.Errorf("claimed job state = %s dispatched_at = %v", v.State, v.DispatchedAt)
		}

		if _, err := s.ClaimVideoJob(ctx, id); !errors.Is(err, domain.ErrJobClaimed) {
			t.Errorf("second claim should fail with ErrJobClaimed, got %v", err)
		}
	})
}

func TestTransitionVideoJob_RetryCycle(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		_, videos, _, _ := s.CreateBulkJob(ctx, testSpec(1), "")
		id := videos[0].ID

		if _, err := s.ClaimVideoJob(ctx, id); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TransitionVideoJob(ctx, id, domain.VideoJobInProgress, ""); err != nil {
			t.Fatal(err)
		}

		v, err := s.TransitionVideoJob(ctx, id, domain.VideoJobRetried, "provider timeout")
		if err != nil {
			t.Fatalf("retry transition: %v", err)
		}
		if v.RetryCount != 1 || v.LastError != "provider timeout" {
			t.Errorf("retry bookkeeping: count=%d err=%q", v.RetryCount, v.LastError)
		}

		v, err = s.TransitionVideoJob(ctx, id, domain.VideoJobQueued, "")
		if err != nil {
			t.Fatalf("requeue: %v", err)
		}
		if v.State != domain.VideoJobQueued || v.DispatchedAt != nil {
			t.Errorf("requeued job should be claimable again: state=%s dispatched_at=%v", v.State, v.DispatchedAt)
		}

		// Full second attempt succeeds.
		if _, err := s.ClaimVideoJob(ctx, id); err != nil {
			t.Fatalf("reclaim after retry: %v", err)
		}
		if _, err := s.TransitionVideoJob(ctx, id, domain.VideoJobCompleted, ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	})
}

func TestTransitionVideoJob_Invalid(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		_, videos, _, _ := s.CreateBulkJob(ctx, testSpec(1), "")

		_, err := s.TransitionVideoJob(ctx, videos[0].ID, domain.VideoJobInProgress, "")
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("queued -> in_progress should be invalid, got %v", err)
		}
	})
}

func TestCounterConservation(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		bulk, videos, _, _ := s.CreateBulkJob(ctx, testSpec(5), "")

		// One completed, one failed, one canceled before dispatch (skipped),
		// one canceled mid-flight, one left pending.
		mustClaim := func(id domain.VideoJobID) {
			t.Helper()
			if _, err := s.ClaimVideoJob(ctx, id); err != nil {
				t.Fatal(err)
			}
		}
		mustClaim(videos[0].ID)
		if _, err := s.TransitionVideoJob(ctx, videos[0].ID, domain.VideoJobCompleted, ""); err != nil {
			t.Fatal(err)
		}
		mustClaim(videos[1].ID)
		if _, err := s.TransitionVideoJob(ctx, videos[1].ID, domain.VideoJobFailed, "boom"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TransitionVideoJob(ctx, videos[2].ID, domain.VideoJobCanceled, ""); err != nil {
			t.Fatal(err)
		}
		mustClaim(videos[3].ID)
		if _, err := s.TransitionVideoJob(ctx, videos[3].ID, domain.VideoJobCanceled, ""); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetBulkJob(ctx, bulk.ID)
		if err != nil {
			t.Fatal(err)
		}
		c := got.Items
		if c.Total != 5 || c.Completed != 1 || c.Failed != 1 || c.Skipped != 1 || c.Canceled != 1 {
			t.Errorf("counts = %+v", c)
		}
		if c.Pending() != 1 {
			t.Errorf("Pending() = %d, want 1", c.Pending())
		}
		if c.Completed+c.Failed+c.Skipped+c.Canceled+c.Pending() != c.Total {
			t.Error("conservation violated")
		}
	})
}

func TestSchedulePersistence(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		bulk, videos, _, _ := s.CreateBulkJob(ctx, testSpec(2), "")

		first := &domain.Schedule{
			ID:          "sched-1",
			BulkJobID:   bulk.ID,
			GeneratedAt: time.Now(),
			Entries: []domain.ScheduleEntry{
				{VideoJobID: videos[0].ID, Position: 0, Provider: "runway"},
				{VideoJobID: videos[1].ID, Position: 1, Provider: "runway", DeadlineAtRisk: true},
			},
		}
		if err := s.SaveSchedule(ctx, first); err != nil {
			t.Fatalf("save: %v", err)
		}

		second := &domain.Schedule{
			ID:          "sched-2",
			BulkJobID:   bulk.ID,
			GeneratedAt: first.GeneratedAt.Add(time.Minute),
			Entries:     first.Entries,
			Supersedes:  first.ID,
		}
		if err := s.SaveSchedule(ctx, second); err != nil {
			t.Fatalf("save second: %v", err)
		}

		latest, err := s.LatestSchedule(ctx, bulk.ID)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if latest.ID != "sched-2" || latest.Supersedes != "sched-1" {
			t.Errorf("latest = %s supersedes %s", latest.ID, latest.Supersedes)
		}

		// Old plan is kept, not mutated.
		old, err := s.GetSchedule(ctx, "sched-1")
		if err != nil {
			t.Fatalf("get old: %v", err)
		}
		if len(old.Entries) != 2 || !old.Entries[1].DeadlineAtRisk {
			t.Error("original schedule should be intact")
		}

		got, _ := s.GetBulkJob(ctx, bulk.ID)
		if got.ScheduleID != "sched-2" {
			t.Errorf("bulk schedule_id = %s, want sched-2", got.ScheduleID)
		}
	})
}

func TestEventLog(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		bulk, _, _, _ := s.CreateBulkJob(ctx, testSpec(1), "")

		base := time.Now()
		for i := 0; i < 3; i++ {
			ev := &domain.JobEvent{
				ID:         domain.EventID(string(rune('a' + i))),
				BulkJobID:  bulk.ID,
				Type:       domain.EventJobProgress,
				OccurredAt: base.Add(time.Duration(i) * time.Second),
			}
			if err := s.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		events, err := s.ListEvents(ctx, bulk.ID, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		if events[0].OccurredAt.Before(events[1].OccurredAt) {
			t.Error("events should be newest first")
		}
	})
}

func TestListStaleDispatched(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		_, videos, _, _ := s.CreateBulkJob(ctx, testSpec(2), "")

		if _, err := s.ClaimVideoJob(ctx, videos[0].ID); err != nil {
			t.Fatal(err)
		}

		stale, err := s.ListStaleDispatched(ctx, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("list stale: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != videos[0].ID {
			t.Errorf("stale = %v, want the dispatched job", stale)
		}

		stale, _ = s.ListStaleDispatched(ctx, time.Now().Add(-time.Minute))
		if len(stale) != 0 {
			t.Error("fresh claims should not be stale")
		}
	})
}

func TestListBulkJobs(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, _, _, err := s.CreateBulkJob(ctx, testSpec(1), ""); err != nil {
				t.Fatal(err)
			}
		}
		b, _, _, _ := s.CreateBulkJob(ctx, testSpec(1), "")
		if _, err := s.TransitionBulkJob(ctx, b.ID, domain.BulkJobRunning); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListBulkJobs(ctx, nil, 10, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("got %d jobs, want 4", len(all))
		}

		running := domain.BulkJobRunning
		filtered, err := s.ListBulkJobs(ctx, &running, 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(filtered) != 1 || filtered[0].ID != b.ID {
			t.Errorf("filtered = %v", filtered)
		}
	})
}

func TestSweepIdempotencyKeys(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		if _, _, _, err := s.CreateBulkJob(ctx, testSpec(1), "key-1"); err != nil {
			t.Fatal(err)
		}

		n, err := s.SweepIdempotencyKeys(ctx, time.Now())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 0 {
			t.Errorf("swept %d fresh keys, want 0", n)
		}

		n, err = s.SweepIdempotencyKeys(ctx, time.Now().Add(25*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("swept %d, want 1", n)
		}

		// After expiry, the same key creates a fresh job.
		_, _, created, err := s.CreateBulkJob(ctx, testSpec(1), "key-1")
		if err != nil || !created {
			t.Errorf("expired key should allow a new job: created=%v err=%v", created, err)
		}
	})
}
