package queue

import (
	"net/mail"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusSending, StatusSent, StatusFailed, StatusCancelled}

// DefaultMaxAttempts is used when an enqueue request does not set a budget.
const DefaultMaxAttempts = 3

// Message is a single outbound email and its delivery state.
type Message struct {
	ID              string         `json:"id"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	To              string         `json:"to"`
	Subject         string         `json:"subject"`
	HTMLBody        string         `json:"html_body"`
	TextBody        string         `json:"text_body,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	PreferredSender string         `json:"preferred_sender,omitempty"`
	Sender          string         `json:"sender,omitempty"`
	Status          Status         `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	NextAttemptAt   time.Time      `json:"next_attempt_at"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	ProviderRef     string         `json:"provider_ref,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ClaimedBy       string         `json:"claimed_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TrackOpens reports whether the caller asked for an open-tracking pixel.
func (m *Message) TrackOpens() bool {
	v, ok := m.Metadata["track_opens"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// EnqueueRequest carries the caller-supplied fields of a new message.
type EnqueueRequest struct {
	To            string         `json:"to"`
	Subject       string         `json:"subject"`
	HTMLBody      string         `json:"html_body"`
	TextBody      string         `json:"text_body,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Sender        string         `json:"sender,omitempty"`
	MaxAttempts   int            `json:"max_attempts,omitempty"`
	CorrelationID string         `json:"-"`
}

// Validate checks the request and returns a *ValidationError listing every
// offending field.
func (r *EnqueueRequest) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(r.To) == "" {
		verr.add("to", "recipient is required")
	} else if _, err := mail.ParseAddress(r.To); err != nil {
		verr.add("to", "recipient is not a valid email address")
	}
	if strings.TrimSpace(r.Subject) == "" {
		verr.add("subject", "subject is required")
	}
	if strings.TrimSpace(r.HTMLBody) == "" {
		verr.add("html_body", "html body is required")
	}
	if r.Sender != "" {
		if _, err := mail.ParseAddress(r.Sender); err != nil {
			verr.add("sender", "sender is not a valid email address")
		}
	}
	if r.MaxAttempts < 0 {
		verr.add("max_attempts", "max_attempts must be at least 1")
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (r *EnqueueRequest) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

// Failure describes the outcome of a failed delivery attempt.
type Failure struct {
	Sender    string
	Kind      string
	Retryable bool
	Error     string
}

// KindStaleClaim is the error kind recorded when a claim expires before
// the worker holding it reports an outcome.
const KindStaleClaim = "stale_claim"

const staleClaimError = "claim expired before the send completed"

// EventType is a post-send signal reported by a provider or client.
type EventType string

const (
	EventDelivery  EventType = "delivery"
	EventOpen      EventType = "open"
	EventClick     EventType = "click"
	EventBounce    EventType = "bounce"
	EventComplaint EventType = "complaint"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventDelivery, EventOpen, EventClick, EventBounce, EventComplaint:
		return true
	}
	return false
}

// Event is an append-only record attached to a message.
type Event struct {
	ID            string         `json:"id"`
	MessageID     string         `json:"message_id"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	SourceAddress string         `json:"source_address,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// StatusCounts maps each status to the number of messages in it.
type StatusCounts map[Status]int

// Total sums all statuses.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
