package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
)

// recordingStore keeps appended events and fails the first failures calls.
type recordingStore struct {
	mu       sync.Mutex
	events   []audit.SecurityEvent
	calls    int
	failures int
	delay    time.Duration
}

func (r *recordingStore) AppendSecurityEvents(_ context.Context, events ...audit.SecurityEvent) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures < 0 || r.calls <= r.failures {
		return errors.New("database is locked")
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingStore) stored() []audit.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []audit.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a audit.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) ofKind(kind audit.AlertKind) []audit.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Alert
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertSequenced(t *testing.T, events []audit.SecurityEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("event %d has sequence %d after %d", i, events[i].Sequence, events[i-1].Sequence)
		}
	}
}

func TestSecurityEventService_DeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{}
	svc := NewSecurityEventService(store, discardLogger(), WithEventBatchSize(10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 25; i++ {
		svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision, UserID: "u1"})
	}
	svc.Stop()

	got := store.stored()
	if len(got) != 25 {
		t.Fatalf("stored %d events, want 25", len(got))
	}
	assertSequenced(t, got)
	for _, e := range got {
		if e.ID == "" || e.Timestamp.IsZero() || e.Severity != audit.SeverityInfo {
			t.Fatalf("event not filled in: %+v", e)
		}
	}
}

func TestSecurityEventService_ConcurrentRecordKeepsSequenceOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{}
	svc := NewSecurityEventService(store, discardLogger(),
		WithEventBatchSize(7),
		WithEventSendTimeout(time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision, SessionID: "shared"})
			}
		}()
	}
	wg.Wait()
	svc.Stop()

	got := store.stored()
	if len(got) != writers*perWriter {
		t.Fatalf("stored %d events, want %d", len(got), writers*perWriter)
	}
	assertSequenced(t, got)
}

func TestSecurityEventService_RetriesWithoutReordering(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{failures: 2}
	alerts := &recordingAlerter{}
	svc := NewSecurityEventService(store, discardLogger(),
		WithEventFlushInterval(10*time.Millisecond),
		WithRetryBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithAlerter(alerts),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(ctx, audit.SecurityEvent{Type: audit.EventLoginFailure, UserID: "first"})
	waitFor(t, "first failed delivery", func() bool { return len(alerts.ofKind(audit.AlertOps)) > 0 })
	svc.Record(ctx, audit.SecurityEvent{Type: audit.EventLoginSuccess, UserID: "second"})

	waitFor(t, "recovery", func() bool { return len(store.stored()) == 2 })
	svc.Stop()

	got := store.stored()
	if got[0].UserID != "first" || got[1].UserID != "second" {
		t.Errorf("delivery order = %s, %s; want first, second", got[0].UserID, got[1].UserID)
	}
	ops := alerts.ofKind(audit.AlertOps)
	if !strings.Contains(ops[0].Error, audit.ErrLogDeliveryFailure.Error()) {
		t.Errorf("ops alert error = %q, want delivery failure", ops[0].Error)
	}
	if svc.PendingEvents() != 0 {
		t.Errorf("PendingEvents() = %d after recovery", svc.PendingEvents())
	}
}

func TestSecurityEventService_CriticalAlertsSynchronously(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	alerts := &recordingAlerter{}
	svc := NewSecurityEventService(&recordingStore{}, discardLogger(), WithAlerter(alerts))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision, Severity: audit.SeverityHigh})
	if n := len(alerts.ofKind(audit.AlertAdmin)); n != 0 {
		t.Fatalf("HIGH event raised %d admin alerts", n)
	}

	// A cancelled request context must not suppress the alert.
	reqCtx, reqCancel := context.WithCancel(ctx)
	reqCancel()
	svc.Record(reqCtx, audit.SecurityEvent{Type: audit.EventIntegrityViolation, Severity: audit.SeverityCritical})

	admin := alerts.ofKind(audit.AlertAdmin)
	if len(admin) != 1 {
		t.Fatalf("admin alerts = %d, want 1 before Record returns", len(admin))
	}
	if admin[0].Event == nil || admin[0].Event.Type != audit.EventIntegrityViolation {
		t.Errorf("admin alert event = %+v", admin[0].Event)
	}
}

func TestSecurityEventService_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{delay: 20 * time.Millisecond}
	alerts := &recordingAlerter{}
	svc := NewSecurityEventService(store, discardLogger(),
		WithEventChannelSize(2),
		WithEventSendTimeout(0),
		WithEventBatchSize(1),
		WithEventFlushInterval(10*time.Millisecond),
		WithAlerter(alerts),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	start := time.Now()
	for i := 0; i < 20; i++ {
		svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Record blocked for %v with a zero send timeout", elapsed)
	}
	if svc.DroppedEvents() == 0 {
		t.Error("expected drops with a full buffer")
	}
	waitFor(t, "drop report", func() bool { return len(alerts.ofKind(audit.AlertOps)) > 0 })
	svc.Stop()

	if got := int64(len(store.stored())) + svc.DroppedEvents(); got != 20 {
		t.Errorf("stored + dropped = %d, want 20", got)
	}
}

func TestSecurityEventService_MaxPendingDropsOldest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{failures: -1}
	svc := NewSecurityEventService(store, discardLogger(),
		WithEventBatchSize(1),
		WithMaxPending(5),
		WithRetryBackoff(time.Hour, time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision})
	}
	waitFor(t, "queue bound", func() bool { return svc.DroppedEvents() == 5 })
	if svc.PendingEvents() != 5 {
		t.Errorf("PendingEvents() = %d, want 5", svc.PendingEvents())
	}
	svc.Stop()
}

func TestSecurityEventService_MirrorReceivesEachBatchOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	primary := &recordingStore{failures: 1}
	mirror := &recordingStore{}
	svc := NewSecurityEventService(primary, discardLogger(),
		WithMirror(mirror),
		WithEventFlushInterval(10*time.Millisecond),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 3; i++ {
		svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision})
	}
	waitFor(t, "primary delivery", func() bool { return len(primary.stored()) == 3 })
	svc.Stop()

	if n := len(mirror.stored()); n != 3 {
		t.Errorf("mirror stored %d events, want 3", n)
	}
}

func TestSecurityEventService_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{}
	svc := NewSecurityEventService(store, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(ctx, audit.SecurityEvent{Type: audit.EventLoginSuccess})
	svc.Stop()
	svc.Stop()

	svc.Record(ctx, audit.SecurityEvent{Type: audit.EventLoginSuccess})
	if svc.DroppedEvents() != 1 {
		t.Errorf("DroppedEvents() = %d, want 1 for the event recorded after Stop", svc.DroppedEvents())
	}
	if n := len(store.stored()); n != 1 {
		t.Errorf("stored %d events, want 1", n)
	}
}

func TestSecurityEventService_ContextCancelFlushes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &recordingStore{}
	svc := NewSecurityEventService(store, discardLogger(), WithEventFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(ctx, audit.SecurityEvent{Type: audit.EventAuthzDecision})
	}
	cancel()
	svc.wg.Wait()

	if n := len(store.stored()); n != 5 {
		t.Errorf("stored %d events after cancel, want 5", n)
	}
}
