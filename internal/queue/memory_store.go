package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It is used by tests and by the
// dispatcher when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	events   map[string][]Event
	seq      map[string]uint64
	nextSeq  uint64
	backoff  *Backoff
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(backoff *Backoff) *MemoryStore {
	if backoff == nil {
		backoff = NewBackoff(DefaultBaseBackoff, DefaultMaxBackoff)
	}
	return &MemoryStore{
		messages: make(map[string]*Message),
		events:   make(map[string][]Event),
		seq:      make(map[string]uint64),
		backoff:  backoff,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Enqueue(_ context.Context, req EnqueueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	msg := &Message{
		ID:              uuid.New().String(),
		CorrelationID:   req.CorrelationID,
		To:              req.To,
		Subject:         req.Subject,
		HTMLBody:        req.HTMLBody,
		TextBody:        req.TextBody,
		Metadata:        copyMetadata(req.Metadata),
		PreferredSender: req.Sender,
		Status:          StatusPending,
		MaxAttempts:     req.maxAttempts(),
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.messages[msg.ID] = msg
	s.seq[msg.ID] = s.nextSeq
	s.nextSeq++
	return msg.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) GetByProviderRef(_ context.Context, ref string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref == "" {
		return nil, ErrNotFound
	}
	for _, msg := range s.messages {
		if msg.ProviderRef == ref {
			return cloneMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimNext(_ context.Context, workerID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *Message
	for _, msg := range s.messages {
		if msg.Status != StatusPending || msg.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || s.earlier(msg, next) {
			next = msg
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = StatusSending
	next.ClaimedBy = workerID
	next.LastAttemptAt = &now
	next.UpdatedAt = now
	return cloneMessage(next), nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id, sender, providerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.claimed(id)
	if err != nil {
		return err
	}

	now := s.now()
	msg.Status = StatusSent
	msg.Attempts++
	msg.Sender = sender
	msg.ProviderRef = providerRef
	msg.SentAt = &now
	msg.ErrorKind = ""
	msg.ErrorMessage = ""
	msg.ClaimedBy = ""
	msg.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, f Failure) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.claimed(id)
	if err != nil {
		return nil, err
	}

	applyFailure(msg, f, s.now(), s.backoff)
	return cloneMessage(msg), nil
}

func (s *MemoryStore) Defer(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.claimed(id)
	if err != nil {
		return err
	}

	msg.Status = StatusPending
	msg.NextAttemptAt = until
	msg.ClaimedBy = ""
	msg.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != StatusPending {
		return ErrNotPending
	}
	msg.Status = StatusCancelled
	msg.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, msg := range s.messages {
		if msg.Status != StatusSending || msg.LastAttemptAt == nil || !msg.LastAttemptAt.Before(cutoff) {
			continue
		}
		requeueStale(msg, now)
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, since time.Time) (StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(StatusCounts, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, msg := range s.messages {
		if msg.CreatedAt.Before(since) {
			continue
		}
		counts[msg.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[ev.MessageID]; !ok {
		return ErrNotFound
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.events[ev.MessageID] = append(s.events[ev.MessageID], *ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, messageID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, len(s.events[messageID]))
	copy(out, s.events[messageID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// claimed returns the stored message if it is currently in sending.
// Caller must hold s.mu.
func (s *MemoryStore) claimed(id string) (*Message, error) {
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Status != StatusSending {
		return nil, ErrNotSending
	}
	return msg, nil
}

// applyFailure records a failed attempt on msg. A retryable failure with
// budget left goes back to pending after a backoff; anything else is final.
func applyFailure(msg *Message, f Failure, now time.Time, backoff *Backoff) {
	msg.Attempts++
	msg.Sender = f.Sender
	msg.ErrorKind = f.Kind
	msg.ErrorMessage = f.Error
	msg.ClaimedBy = ""
	msg.UpdatedAt = now

	if f.Retryable && msg.Attempts < msg.MaxAttempts {
		msg.Status = StatusPending
		msg.NextAttemptAt = now.Add(backoff.Delay(msg.Attempts))
		return
	}
	msg.Status = StatusFailed
}

// requeueStale charges the abandoned claim as an attempt, so a message that
// keeps killing its worker eventually fails instead of looping.
func requeueStale(msg *Message, now time.Time) {
	msg.Attempts++
	msg.ErrorKind = KindStaleClaim
	msg.ErrorMessage = staleClaimError
	msg.ClaimedBy = ""
	msg.NextAttemptAt = now
	msg.UpdatedAt = now
	if msg.Attempts >= msg.MaxAttempts {
		msg.Status = StatusFailed
		return
	}
	msg.Status = StatusPending
}

// earlier orders by next_attempt_at, then by enqueue order.
func (s *MemoryStore) earlier(a, b *Message) bool {
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.Metadata = copyMetadata(m.Metadata)
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
