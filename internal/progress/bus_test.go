package progress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/iconidentify/genqueue/internal/config"
	"github.com/iconidentify/genqueue/internal/domain"
	"github.com/iconidentify/genqueue/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBus(t *testing.T) (*Bus, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(24 * time.Hour)
	cfg := config.EventsConfig{MaxSubscribers: 4, DropAfterFailures: 3, EMAAlpha: 0.5}
	return NewBus(cfg, st, testLogger()), st
}

func seedBulk(t *testing.T, st *store.MemoryStore, items int) (*domain.BulkJob, []*domain.VideoJob) {
	t.Helper()
	specItems := make([]json.RawMessage, items)
	for i := range specItems {
		specItems[i] = json.RawMessage(`{"prompt":"p"}`)
	}
	bulk, videos, _, err := st.CreateBulkJob(context.Background(), store.BulkJobSpec{
		TenantID: "tenant-a",
		Title:    "batch",
		Priority: domain.TierNormal,
		Items:    specItems,
	}, "")
	if err != nil {
		t.Fatalf("CreateBulkJob: %v", err)
	}
	return bulk, videos
}

type capturingSubscriber struct {
	envelopes []domain.Envelope
	err       error
}

func (c *capturingSubscriber) Handle(env domain.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

func TestBusRecordAppendsAndDelivers(t *testing.T) {
	bus, st := testBus(t)
	bulk, _ := seedBulk(t, st, 2)

	sub := &capturingSubscriber{}
	if _, err := bus.Subscribe(bulk.ID, sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.StateChanged(context.Background(), bulk.ID, "", "pending", "running", "workers started"); err != nil {
		t.Fatalf("StateChanged: %v", err)
	}

	events, err := st.ListEvents(context.Background(), bulk.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != domain.EventJobStateChanged {
		t.Errorf("event type = %q, want %q", events[0].Type, domain.EventJobStateChanged)
	}
	if events[0].ID == "" || events[0].OccurredAt.IsZero() {
		t.Error("event id and timestamp should be assigned")
	}

	if len(sub.envelopes) != 1 {
		t.Fatalf("delivered = %d, want 1", len(sub.envelopes))
	}
	if sub.envelopes[0].CorrelationID != bulk.ID.String() {
		t.Errorf("correlation id = %q, want %q", sub.envelopes[0].CorrelationID, bulk.ID)
	}
}

func TestBusSubscriberFiltersByBulkJob(t *testing.T) {
	bus, st := testBus(t)
	bulkA, _ := seedBulk(t, st, 1)
	bulkB, _ := seedBulk(t, st, 1)

	scoped := &capturingSubscriber{}
	global := &capturingSubscriber{}
	if _, err := bus.Subscribe(bulkA.ID, scoped); err != nil {
		t.Fatalf("Subscribe scoped: %v", err)
	}
	if _, err := bus.Subscribe("", global); err != nil {
		t.Fatalf("Subscribe global: %v", err)
	}

	if err := bus.StateChanged(context.Background(), bulkB.ID, "", "pending", "running", ""); err != nil {
		t.Fatalf("StateChanged: %v", err)
	}

	if len(scoped.envelopes) != 0 {
		t.Errorf("scoped subscriber got %d envelopes, want 0", len(scoped.envelopes))
	}
	if len(global.envelopes) != 1 {
		t.Errorf("global subscriber got %d envelopes, want 1", len(global.envelopes))
	}
}

func TestBusDropsFailingSubscriber(t *testing.T) {
	bus, st := testBus(t)
	bulk, _ := seedBulk(t, st, 1)

	failing := &capturingSubscriber{err: errors.New("endpoint down")}
	healthy := &capturingSubscriber{}
	if _, err := bus.Subscribe(bulk.ID, failing); err != nil {
		t.Fatalf("Subscribe failing: %v", err)
	}
	if _, err := bus.Subscribe(bulk.ID, healthy); err != nil {
		t.Fatalf("Subscribe healthy: %v", err)
	}

	// DropAfterFailures is 3; the fourth event should no longer reach the
	// failing subscriber but must always reach the healthy one.
	for i := 0; i < 4; i++ {
		if err := bus.StateChanged(context.Background(), bulk.ID, "", "a", "b", ""); err != nil {
			t.Fatalf("StateChanged: %v", err)
		}
	}

	if len(healthy.envelopes) != 4 {
		t.Errorf("healthy subscriber got %d envelopes, want 4", len(healthy.envelopes))
	}
	if _, err := bus.Subscribe(bulk.ID, &capturingSubscriber{}); err != nil {
		t.Errorf("expected a free slot after drop, got %v", err)
	}
}

func TestBusSubscriberLimit(t *testing.T) {
	bus, st := testBus(t)
	bulk, _ := seedBulk(t, st, 1)

	for i := 0; i < 4; i++ {
		if _, err := bus.Subscribe(bulk.ID, &capturingSubscriber{}); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}
	if _, err := bus.Subscribe(bulk.ID, &capturingSubscriber{}); !errors.Is(err, ErrTooManySubscribers) {
		t.Errorf("err = %v, want ErrTooManySubscribers", err)
	}
}

func TestBusSnapshotEMAAndEta(t *testing.T) {
	bus, st := testBus(t)
	bulk, videos := seedBulk(t, st, 4)

	ctx := context.Background()
	now := time.Now()
	bus.now = func() time.Time { return now }

	// Complete one item: queued -> dispatched -> in_progress -> completed.
	v := videos[0]
	for _, next := range []domain.VideoJobState{domain.VideoJobDispatched, domain.VideoJobInProgress, domain.VideoJobCompleted} {
		if _, err := st.TransitionVideoJob(ctx, v.ID, next, ""); err != nil {
			t.Fatalf("TransitionVideoJob to %s: %v", next, err)
		}
	}

	// Alpha 0.5 over samples 10s then 20s gives an EMA of 15s.
	if err := bus.VideoCompleted(ctx, v, nil, 10*time.Second); err != nil {
		t.Fatalf("VideoCompleted: %v", err)
	}
	bus.ObserveItemDuration(bulk.ID, 20*time.Second)

	snap, err := bus.Snapshot(ctx, bulk.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ItemsTotal != 4 || snap.ItemsCompleted != 1 || snap.ItemsPending != 3 {
		t.Errorf("counts = total %d completed %d pending %d, want 4/1/3",
			snap.ItemsTotal, snap.ItemsCompleted, snap.ItemsPending)
	}
	if snap.PercentComplete != 25 {
		t.Errorf("percent = %v, want 25", snap.PercentComplete)
	}
	if snap.AvgDurationMSItem != 15000 {
		t.Errorf("avg duration = %d ms, want 15000", snap.AvgDurationMSItem)
	}
	if snap.EtaMS != 45000 {
		t.Errorf("eta = %d ms, want 45000", snap.EtaMS)
	}
}

func TestBusSnapshotRateLimitedFlag(t *testing.T) {
	bus, st := testBus(t)
	bulk, _ := seedBulk(t, st, 1)

	bus.SetRateLimited(bulk.ID, true)
	snap, err := bus.Snapshot(context.Background(), bulk.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.RateLimited {
		t.Error("rate_limited should be true")
	}

	bus.SetRateLimited(bulk.ID, false)
	snap, err = bus.Snapshot(context.Background(), bulk.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.RateLimited {
		t.Error("rate_limited should clear")
	}
}

func TestBusVideoCompletedEmitsProgress(t *testing.T) {
	bus, st := testBus(t)
	bulk, videos := seedBulk(t, st, 2)

	ctx := context.Background()
	v := videos[0]
	for _, next := range []domain.VideoJobState{domain.VideoJobDispatched, domain.VideoJobInProgress, domain.VideoJobCompleted} {
		if _, err := st.TransitionVideoJob(ctx, v.ID, next, ""); err != nil {
			t.Fatalf("TransitionVideoJob: %v", err)
		}
	}
	if err := bus.VideoCompleted(ctx, v, map[string]string{"url": "https://cdn/out.mp4"}, 3*time.Second); err != nil {
		t.Fatalf("VideoCompleted: %v", err)
	}

	events, err := st.ListEvents(ctx, bulk.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawCompleted, sawProgress bool
	for _, ev := range events {
		switch ev.Type {
		case domain.EventVideoCompleted:
			sawCompleted = true
		case domain.EventJobProgress:
			sawProgress = true
			var payload map[string]any
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				t.Fatalf("decoding progress payload: %v", err)
			}
			if payload["percent_complete"].(float64) != 50 {
				t.Errorf("percent_complete = %v, want 50", payload["percent_complete"])
			}
		}
	}
	if !sawCompleted || !sawProgress {
		t.Errorf("sawCompleted=%v sawProgress=%v, want both", sawCompleted, sawProgress)
	}
}

type blockingSubscriber struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSubscriber) Handle(env domain.Envelope) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestBusSlowSubscriberDoesNotStallOtherDeliveries(t *testing.T) {
	bus, st := testBus(t)
	bulkA, _ := seedBulk(t, st, 1)
	bulkB, _ := seedBulk(t, st, 1)

	slow := &blockingSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	if _, err := bus.Subscribe(bulkA.ID, slow); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fast := &capturingSubscriber{}
	if _, err := bus.Subscribe(bulkB.ID, fast); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Park one fan-out inside the slow subscriber's Handle.
	go func() {
		_ = bus.StateChanged(context.Background(), bulkA.ID, "", "pending", "running", "workers started")
	}()
	<-slow.entered
	defer close(slow.release)

	done := make(chan error, 1)
	go func() {
		done <- bus.StateChanged(context.Background(), bulkB.ID, "", "pending", "running", "workers started")
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StateChanged: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stalled behind a slow subscriber")
	}
	if len(fast.envelopes) != 1 {
		t.Fatalf("fast subscriber envelopes = %d, want 1", len(fast.envelopes))
	}
}

func TestChannelSubscriberNonBlocking(t *testing.T) {
	sub := NewChannelSubscriber(2)
	env := domain.Envelope{Type: domain.EventJobProgress}

	if err := sub.Handle(env); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := sub.Handle(env); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if err := sub.Handle(env); !errors.Is(err, ErrSlowSubscriber) {
		t.Errorf("err = %v, want ErrSlowSubscriber", err)
	}

	select {
	case got := <-sub.Events():
		if got.Type != domain.EventJobProgress {
			t.Errorf("type = %q, want job.progress", got.Type)
		}
	default:
		t.Error("expected a buffered envelope")
	}
}
