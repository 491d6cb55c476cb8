package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/queue"
)

type fixture struct {
	store    *queue.MemoryStore
	tracker  *account.Tracker
	failures *account.MemoryFailureLog
	rec      *Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := queue.NewMemoryStore(queue.NewBackoff(time.Minute, 30*time.Minute))
	reg, err := account.NewRegistry([]account.SendingAccount{{Address: "news@example.com", HourlyLimit: 100}})
	if err != nil {
		t.Fatal(err)
	}
	tracker := account.NewTracker(reg, account.NewMemoryHealthStore(), account.DefaultThresholds(), zerolog.Nop())
	failures := account.NewMemoryFailureLog(10)
	return &fixture{
		store:    store,
		tracker:  tracker,
		failures: failures,
		rec:      NewRecorder(store, tracker, failures, zerolog.Nop()),
	}
}

// sent enqueues a message and marks it sent from sender with providerRef.
func (f *fixture) sent(t *testing.T, sender, providerRef string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.Enqueue(ctx, queue.EnqueueRequest{To: "m@example.org", Subject: "s", HTMLBody: "<p>x</p>"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ClaimNext(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkSent(ctx, id, sender, providerRef); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRecordEvent_ByMessageID(t *testing.T) {
	f := newFixture(t)
	id := f.sent(t, "news@example.com", "prov-1")

	ev, err := f.rec.RecordEvent(context.Background(), EventInput{
		MessageRef:    id,
		Type:          "Open",
		UserAgent:     "Mozilla/5.0",
		SourceAddress: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if ev.ID == "" || ev.MessageID != id || ev.Type != queue.EventOpen {
		t.Errorf("unexpected event %+v", ev)
	}

	events, err := f.store.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].UserAgent != "Mozilla/5.0" {
		t.Errorf("unexpected stored events %+v", events)
	}

	// Opens do not touch account health.
	rec, _ := f.tracker.GetHealth(context.Background(), "news@example.com")
	if rec.TotalFailed != 0 {
		t.Errorf("expected no failures, got %d", rec.TotalFailed)
	}
}

func TestRecordEvent_ByProviderRef(t *testing.T) {
	f := newFixture(t)
	id := f.sent(t, "news@example.com", "prov-42")

	ev, err := f.rec.RecordEvent(context.Background(), EventInput{MessageRef: "prov-42", Type: queue.EventDelivery})
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if ev.MessageID != id {
		t.Errorf("expected event on %s, got %s", id, ev.MessageID)
	}
}

func TestRecordEvent_DuplicatesAccepted(t *testing.T) {
	f := newFixture(t)
	id := f.sent(t, "news@example.com", "prov-1")
	for range 2 {
		if _, err := f.rec.RecordEvent(context.Background(), EventInput{MessageRef: id, Type: queue.EventClick}); err != nil {
			t.Fatal(err)
		}
	}
	events, _ := f.store.ListEvents(context.Background(), id)
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestRecordEvent_NotFound(t *testing.T) {
	f := newFixture(t)
	for _, ref := range []string{"does-not-exist", "", "  "} {
		_, err := f.rec.RecordEvent(context.Background(), EventInput{MessageRef: ref, Type: queue.EventOpen})
		if !errors.Is(err, queue.ErrNotFound) {
			t.Errorf("ref %q: expected ErrNotFound, got %v", ref, err)
		}
	}
}

func TestRecordEvent_UnknownType(t *testing.T) {
	f := newFixture(t)
	id := f.sent(t, "news@example.com", "prov-1")
	_, err := f.rec.RecordEvent(context.Background(), EventInput{MessageRef: id, Type: "forwarded"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRecordEvent_BounceAndComplaintPenalizeSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bounced := f.sent(t, "News@Example.com", "prov-1")
	complained := f.sent(t, "news@example.com", "prov-2")

	if _, err := f.rec.RecordEvent(ctx, EventInput{
		MessageRef: bounced,
		Type:       queue.EventBounce,
		Payload:    map[string]any{"diagnostic_code": "550 5.1.1 user unknown"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rec.RecordEvent(ctx, EventInput{MessageRef: complained, Type: queue.EventComplaint}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.tracker.GetHealth(ctx, "news@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalFailed != 2 || rec.LastFailureKind != "complaint" {
		t.Errorf("expected two penalties ending in complaint, got %+v", rec)
	}

	recent, _ := f.failures.Recent(ctx, 10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 logged failures, got %d", len(recent))
	}
	if recent[0].Kind != "hard_bounce" || recent[0].Retryable || recent[0].Error != "bounce: 550 5.1.1 user unknown" {
		t.Errorf("unexpected first failure %+v", recent[0])
	}

	// Message state is untouched.
	msg, _ := f.store.Get(ctx, bounced)
	if msg.Status != queue.StatusSent {
		t.Errorf("expected message to remain sent, got %s", msg.Status)
	}
}

func TestRecordEvent_BounceWithoutSender(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Enqueue(context.Background(), queue.EnqueueRequest{To: "m@example.org", Subject: "s", HTMLBody: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.rec.RecordEvent(context.Background(), EventInput{MessageRef: id, Type: queue.EventBounce}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if recent, _ := f.failures.Recent(context.Background(), 10); len(recent) != 0 {
		t.Errorf("expected no penalty without a sender, got %+v", recent)
	}
}

func TestRecordEvent_UnconfiguredSender(t *testing.T) {
	f := newFixture(t)
	id := f.sent(t, "retired@example.com", "prov-1")
	if _, err := f.rec.RecordEvent(context.Background(), EventInput{MessageRef: id, Type: queue.EventBounce}); err != nil {
		t.Fatalf("expected event stored despite unknown account, got %v", err)
	}
}

func TestRecordEvent_BounceAfterTerminalSendFailure(t *testing.T) {
	tests := []struct {
		name        string
		kind        string
		retryable   bool
		wantPenalty bool
	}{
		{name: "rejected at send", kind: "hard_bounce", retryable: false, wantPenalty: false},
		{name: "retries exhausted", kind: "timeout", retryable: true, wantPenalty: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id, err := f.store.Enqueue(ctx, queue.EnqueueRequest{To: "m@example.org", Subject: "s", HTMLBody: "<p>x</p>", MaxAttempts: 1})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.store.ClaimNext(ctx, "w"); err != nil {
				t.Fatal(err)
			}
			msg, err := f.store.MarkFailed(ctx, id, queue.Failure{Sender: "news@example.com", Kind: tt.kind, Retryable: tt.retryable, Error: "550 no such user"})
			if err != nil || msg.Status != queue.StatusFailed {
				t.Fatalf("MarkFailed() = %v, %v", msg, err)
			}

			if _, err := f.rec.RecordEvent(ctx, EventInput{MessageRef: id, Type: queue.EventBounce}); err != nil {
				t.Fatalf("RecordEvent() error = %v", err)
			}

			rec, _ := f.tracker.GetHealth(ctx, "news@example.com")
			recent, _ := f.failures.Recent(ctx, 10)
			penalized := rec.TotalFailed == 1 && len(recent) == 1
			if penalized != tt.wantPenalty {
				t.Errorf("penalized = %v (total_failed=%d, logged=%d), want %v", penalized, rec.TotalFailed, len(recent), tt.wantPenalty)
			}
			if !tt.wantPenalty && (rec.TotalFailed != 0 || len(recent) != 0) {
				t.Errorf("account charged twice: total_failed=%d logged=%d", rec.TotalFailed, len(recent))
			}
		})
	}
}
