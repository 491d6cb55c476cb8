package queue

import (
	"context"
	"time"
)

// Store is the durable message store. Every transition it performs is
// atomic: ClaimNext hands a pending message to exactly one caller, and
// the outcome methods only act on messages in the sending state.
type Store interface {
	// Enqueue validates and persists a new pending message, returning its id.
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)
	Get(ctx context.Context, id string) (*Message, error)
	// GetByProviderRef resolves a message by the id the transport returned.
	GetByProviderRef(ctx context.Context, ref string) (*Message, error)

	// ClaimNext moves the eligible pending message with the earliest
	// next_attempt_at to sending. It returns nil, nil when nothing is due.
	ClaimNext(ctx context.Context, workerID string) (*Message, error)
	MarkSent(ctx context.Context, id, sender, providerRef string) error
	// MarkFailed counts the attempt and either schedules a retry or moves
	// the message to failed. It returns the updated message.
	MarkFailed(ctx context.Context, id string, f Failure) (*Message, error)
	// Defer returns a claimed message to pending without spending an attempt.
	Defer(ctx context.Context, id string, until time.Time) error
	Cancel(ctx context.Context, id string) error
	// RequeueStale returns messages stuck in sending since before cutoff to
	// pending. Used to recover claims abandoned by a crashed dispatcher.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	CountByStatus(ctx context.Context, since time.Time) (StatusCounts, error)

	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, messageID string) ([]Event, error)
}
