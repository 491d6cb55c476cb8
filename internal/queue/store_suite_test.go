package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeClock is a settable time source shared by store tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// clockedStore is a Store whose time source can be replaced.
type clockedStore interface {
	Store
	SetClock(func() time.Time)
}

// runStoreSuite exercises the Store contract. Both implementations run it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) clockedStore) {
	ctx := context.Background()

	setup := func(t *testing.T) (clockedStore, *fakeClock) {
		s := newStore(t)
		clock := newFakeClock()
		s.SetClock(clock.Now)
		return s, clock
	}

	enqueue := func(t *testing.T, s Store, to string, maxAttempts int) string {
		t.Helper()
		id, err := s.Enqueue(ctx, EnqueueRequest{
			To:          to,
			Subject:     "Subject",
			HTMLBody:    "<p>Body</p>",
			MaxAttempts: maxAttempts,
			Metadata:    map[string]any{"campaign": "spring"},
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		return id
	}

	t.Run("enqueue creates pending message", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 0)

		msg, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if msg.Status != StatusPending {
			t.Errorf("Status = %s, want pending", msg.Status)
		}
		if msg.Attempts != 0 {
			t.Errorf("Attempts = %d, want 0", msg.Attempts)
		}
		if msg.MaxAttempts != DefaultMaxAttempts {
			t.Errorf("MaxAttempts = %d, want %d", msg.MaxAttempts, DefaultMaxAttempts)
		}
		if !msg.NextAttemptAt.Equal(clock.Now()) {
			t.Errorf("NextAttemptAt = %v, want %v", msg.NextAttemptAt, clock.Now())
		}
		if msg.Metadata["campaign"] != "spring" {
			t.Errorf("Metadata = %v, want campaign=spring", msg.Metadata)
		}
	})

	t.Run("invalid enqueue persists nothing", func(t *testing.T) {
		s, clock := setup(t)

		_, err := s.Enqueue(ctx, EnqueueRequest{To: "", Subject: "s", HTMLBody: "<p>x</p>"})
		if !IsValidation(err) {
			t.Fatalf("Enqueue() error = %v, want validation error", err)
		}

		counts, err := s.CountByStatus(ctx, clock.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountByStatus() error = %v", err)
		}
		if counts.Total() != 0 {
			t.Errorf("Total() = %d, want 0", counts.Total())
		}
	})

	t.Run("claim on empty store returns nil", func(t *testing.T) {
		s, _ := setup(t)

		msg, err := s.ClaimNext(ctx, "worker-0")
		if err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		if msg != nil {
			t.Fatalf("ClaimNext() = %+v, want nil", msg)
		}
	})

	t.Run("claim picks earliest eligible message", func(t *testing.T) {
		s, clock := setup(t)
		first := enqueue(t, s, "first@example.com", 0)
		clock.Advance(time.Second)
		second := enqueue(t, s, "second@example.com", 0)

		msg, err := s.ClaimNext(ctx, "worker-0")
		if err != nil || msg == nil {
			t.Fatalf("ClaimNext() = %v, %v", msg, err)
		}
		if msg.ID != first {
			t.Errorf("claimed %s, want %s", msg.ID, first)
		}
		if msg.Status != StatusSending || msg.ClaimedBy != "worker-0" {
			t.Errorf("claimed message status=%s claimed_by=%s", msg.Status, msg.ClaimedBy)
		}

		msg, err = s.ClaimNext(ctx, "worker-1")
		if err != nil || msg == nil || msg.ID != second {
			t.Fatalf("second ClaimNext() = %v, %v, want %s", msg, err, second)
		}
	})

	t.Run("transient failures exhaust the attempt budget", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 3)

		var scheduled time.Time
		for attempt := 1; attempt <= 3; attempt++ {
			msg, err := s.ClaimNext(ctx, "worker-0")
			if err != nil || msg == nil {
				t.Fatalf("attempt %d: ClaimNext() = %v, %v", attempt, msg, err)
			}

			updated, err := s.MarkFailed(ctx, id, Failure{
				Sender:    "sender@example.com",
				Kind:      "timeout",
				Retryable: true,
				Error:     "i/o timeout",
			})
			if err != nil {
				t.Fatalf("attempt %d: MarkFailed() error = %v", attempt, err)
			}
			if updated.Attempts != attempt {
				t.Errorf("attempt %d: Attempts = %d", attempt, updated.Attempts)
			}

			if attempt < 3 {
				if updated.Status != StatusPending {
					t.Fatalf("attempt %d: Status = %s, want pending", attempt, updated.Status)
				}
				if !updated.NextAttemptAt.After(clock.Now()) {
					t.Errorf("attempt %d: NextAttemptAt = %v, want after %v", attempt, updated.NextAttemptAt, clock.Now())
				}

				// Not eligible until the backoff elapses.
				early, err := s.ClaimNext(ctx, "worker-0")
				if err != nil || early != nil {
					t.Fatalf("attempt %d: early ClaimNext() = %v, %v, want nil", attempt, early, err)
				}
				clock.Advance(updated.NextAttemptAt.Sub(clock.Now()) + time.Second)
			}
			if attempt == 2 {
				stored, err := s.Get(ctx, id)
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				scheduled = stored.NextAttemptAt
			}
		}

		msg, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if msg.Status != StatusFailed {
			t.Errorf("Status = %s, want failed", msg.Status)
		}
		if msg.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", msg.Attempts)
		}
		if msg.ErrorKind != "timeout" {
			t.Errorf("ErrorKind = %q, want timeout", msg.ErrorKind)
		}
		if !msg.NextAttemptAt.Equal(scheduled) {
			t.Errorf("NextAttemptAt moved on final failure: %v, want %v", msg.NextAttemptAt, scheduled)
		}

		// A failed message is never claimed or rescheduled again.
		clock.Advance(24 * time.Hour)
		if again, err := s.ClaimNext(ctx, "worker-1"); err != nil || again != nil {
			t.Fatalf("ClaimNext() after failure = %v, %v, want nil", again, err)
		}
		if _, err := s.MarkFailed(ctx, id, Failure{Kind: "timeout", Retryable: true}); err == nil {
			t.Error("MarkFailed() on a failed message should be refused")
		}
		final, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !final.NextAttemptAt.Equal(scheduled) || final.Attempts != 3 || final.Status != StatusFailed {
			t.Errorf("failed message changed: next=%v attempts=%d status=%s", final.NextAttemptAt, final.Attempts, final.Status)
		}
	})

	t.Run("permanent failure is terminal on first attempt", func(t *testing.T) {
		s, _ := setup(t)
		id := enqueue(t, s, "bad@example.com", 3)

		if _, err := s.ClaimNext(ctx, "worker-0"); err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		updated, err := s.MarkFailed(ctx, id, Failure{Kind: "invalid_recipient", Retryable: false, Error: "550 no such user"})
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		if updated.Status != StatusFailed || updated.Attempts != 1 {
			t.Errorf("status=%s attempts=%d, want failed/1", updated.Status, updated.Attempts)
		}

		next, err := s.ClaimNext(ctx, "worker-0")
		if err != nil || next != nil {
			t.Errorf("ClaimNext() after terminal failure = %v, %v, want nil", next, err)
		}
	})

	t.Run("sent message is frozen", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 0)

		if _, err := s.ClaimNext(ctx, "worker-0"); err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		if err := s.MarkSent(ctx, id, "sender@example.com", "provider-123"); err != nil {
			t.Fatalf("MarkSent() error = %v", err)
		}

		if _, err := s.MarkFailed(ctx, id, Failure{Kind: "timeout", Retryable: true}); !errors.Is(err, ErrNotSending) {
			t.Errorf("MarkFailed() on sent error = %v, want ErrNotSending", err)
		}
		if err := s.Defer(ctx, id, clock.Now()); !errors.Is(err, ErrNotSending) {
			t.Errorf("Defer() on sent error = %v, want ErrNotSending", err)
		}

		msg, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if msg.Status != StatusSent || msg.Attempts != 1 {
			t.Errorf("status=%s attempts=%d, want sent/1", msg.Status, msg.Attempts)
		}
		if msg.Sender != "sender@example.com" || msg.ProviderRef != "provider-123" {
			t.Errorf("sender=%q provider_ref=%q", msg.Sender, msg.ProviderRef)
		}
		if msg.SentAt == nil {
			t.Error("SentAt is nil")
		}

		byRef, err := s.GetByProviderRef(ctx, "provider-123")
		if err != nil || byRef.ID != id {
			t.Errorf("GetByProviderRef() = %v, %v, want %s", byRef, err, id)
		}
	})

	t.Run("defer does not spend an attempt", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 0)

		if _, err := s.ClaimNext(ctx, "worker-0"); err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		until := NextHour(clock.Now())
		if err := s.Defer(ctx, id, until); err != nil {
			t.Fatalf("Defer() error = %v", err)
		}

		msg, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if msg.Status != StatusPending || msg.Attempts != 0 {
			t.Errorf("status=%s attempts=%d, want pending/0", msg.Status, msg.Attempts)
		}
		if !msg.NextAttemptAt.Equal(until) {
			t.Errorf("NextAttemptAt = %v, want %v", msg.NextAttemptAt, until)
		}

		if early, _ := s.ClaimNext(ctx, "worker-0"); early != nil {
			t.Error("deferred message claimed before its window")
		}
		clock.Advance(until.Sub(clock.Now()))
		if later, err := s.ClaimNext(ctx, "worker-0"); err != nil || later == nil {
			t.Errorf("ClaimNext() at window = %v, %v", later, err)
		}
	})

	t.Run("cancel only applies to pending", func(t *testing.T) {
		s, _ := setup(t)
		pending := enqueue(t, s, "a@example.com", 0)

		if err := s.Cancel(ctx, pending); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		msg, _ := s.Get(ctx, pending)
		if msg.Status != StatusCancelled {
			t.Errorf("Status = %s, want cancelled", msg.Status)
		}
		if err := s.Cancel(ctx, pending); !errors.Is(err, ErrNotPending) {
			t.Errorf("second Cancel() error = %v, want ErrNotPending", err)
		}
		if err := s.Cancel(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
			t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
		}
		if next, _ := s.ClaimNext(ctx, "worker-0"); next != nil {
			t.Error("cancelled message was claimed")
		}
	})

	t.Run("unknown ids report not found", func(t *testing.T) {
		s, clock := setup(t)
		unknown := uuid.New().String()

		if _, err := s.Get(ctx, unknown); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(malformed) error = %v, want ErrNotFound", err)
		}
		if err := s.MarkSent(ctx, unknown, "s@example.com", "ref"); !errors.Is(err, ErrNotFound) {
			t.Errorf("MarkSent() error = %v, want ErrNotFound", err)
		}
		if err := s.Defer(ctx, unknown, clock.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("Defer() error = %v, want ErrNotFound", err)
		}
		if err := s.AppendEvent(ctx, &Event{MessageID: unknown, Type: EventOpen}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AppendEvent() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("requeue stale claims", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 0)

		if _, err := s.ClaimNext(ctx, "worker-0"); err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		n, err := s.RequeueStale(ctx, clock.Now().Add(-time.Minute))
		if err != nil || n != 0 {
			t.Fatalf("RequeueStale() fresh = %d, %v, want 0", n, err)
		}

		clock.Advance(20 * time.Minute)
		n, err = s.RequeueStale(ctx, clock.Now().Add(-15*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("RequeueStale() = %d, %v, want 1", n, err)
		}

		msg, _ := s.Get(ctx, id)
		if msg.Status != StatusPending || msg.Attempts != 1 || msg.ErrorKind != KindStaleClaim {
			t.Errorf("status=%s attempts=%d kind=%q, want pending/1/%s", msg.Status, msg.Attempts, msg.ErrorKind, KindStaleClaim)
		}
	})

	t.Run("stale claims exhaust the attempt budget", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 2)

		for i := 0; i < 2; i++ {
			claimed, err := s.ClaimNext(ctx, "worker-0")
			if err != nil || claimed == nil || claimed.ID != id {
				t.Fatalf("ClaimNext() #%d = %v, %v", i+1, claimed, err)
			}
			clock.Advance(20 * time.Minute)
			if n, err := s.RequeueStale(ctx, clock.Now().Add(-15*time.Minute)); err != nil || n != 1 {
				t.Fatalf("RequeueStale() #%d = %d, %v", i+1, n, err)
			}
		}

		msg, _ := s.Get(ctx, id)
		if msg.Status != StatusFailed || msg.Attempts != 2 {
			t.Errorf("status=%s attempts=%d, want failed/2", msg.Status, msg.Attempts)
		}
		if next, err := s.ClaimNext(ctx, "worker-1"); err != nil || next != nil {
			t.Errorf("ClaimNext() after exhaustion = %v, %v, want nil", next, err)
		}
	})

	t.Run("count by status honours since", func(t *testing.T) {
		s, clock := setup(t)
		old := enqueue(t, s, "old@example.com", 0)
		if err := s.Cancel(ctx, old); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}

		clock.Advance(25 * time.Hour)
		enqueue(t, s, "a@example.com", 0)
		enqueue(t, s, "b@example.com", 0)
		if _, err := s.ClaimNext(ctx, "worker-0"); err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}

		counts, err := s.CountByStatus(ctx, clock.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("CountByStatus() error = %v", err)
		}
		if counts[StatusPending] != 1 || counts[StatusSending] != 1 || counts[StatusCancelled] != 0 {
			t.Errorf("counts = %v, want pending=1 sending=1 cancelled=0", counts)
		}
		if _, ok := counts[StatusFailed]; !ok {
			t.Error("counts missing failed key")
		}
	})

	t.Run("events are appended in order", func(t *testing.T) {
		s, clock := setup(t)
		id := enqueue(t, s, "a@example.com", 0)

		for _, et := range []EventType{EventDelivery, EventOpen, EventOpen} {
			ev := &Event{MessageID: id, Type: et, Payload: map[string]any{"source": "test"}, UserAgent: "ua"}
			if err := s.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("AppendEvent() error = %v", err)
			}
			if ev.ID == "" {
				t.Error("AppendEvent() did not assign an id")
			}
			clock.Advance(time.Second)
		}

		events, err := s.ListEvents(ctx, id)
		if err != nil {
			t.Fatalf("ListEvents() error = %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("len(events) = %d, want 3", len(events))
		}
		if events[0].Type != EventDelivery || events[2].Type != EventOpen {
			t.Errorf("events out of order: %+v", events)
		}
		if events[1].Payload["source"] != "test" {
			t.Errorf("payload = %v", events[1].Payload)
		}
	})

	t.Run("concurrent claims hand out each message once", func(t *testing.T) {
		s, _ := setup(t)
		const total = 20
		for i := 0; i < total; i++ {
			enqueue(t, s, "a@example.com", 0)
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for {
					msg, err := s.ClaimNext(ctx, "worker")
					if err != nil {
						t.Errorf("ClaimNext() error = %v", err)
						return
					}
					if msg == nil {
						return
					}
					mu.Lock()
					claimed[msg.ID]++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		if len(claimed) != total {
			t.Errorf("claimed %d distinct messages, want %d", len(claimed), total)
		}
		for id, n := range claimed {
			if n != 1 {
				t.Errorf("message %s claimed %d times", id, n)
			}
		}
	})
}
