package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/metrics"
	"github.com/docmchurch/mailqueue/internal/provider"
	"github.com/docmchurch/mailqueue/internal/queue"
)

// ErrUnknownEventType is returned for event types the recorder does not accept.
var ErrUnknownEventType = errors.New("unknown event type")

// EventInput is a provider callback or tracking hit to be recorded.
// MessageRef is either a queue message id or the transport's reference.
type EventInput struct {
	MessageRef    string
	Type          queue.EventType
	Payload       map[string]any
	UserAgent     string
	SourceAddress string
}

// Recorder appends delivery events to messages. Bounces and complaints
// also count against the account that sent the message.
type Recorder struct {
	store    queue.Store
	tracker  *account.Tracker
	failures account.FailureLog
	log      zerolog.Logger
}

// NewRecorder creates a Recorder. tracker and failures may be nil, in
// which case negative events are stored without penalizing accounts.
func NewRecorder(store queue.Store, tracker *account.Tracker, failures account.FailureLog, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		tracker:  tracker,
		failures: failures,
		log:      log,
	}
}

// RecordEvent resolves the message and appends the event. It returns an
// error wrapping queue.ErrNotFound when the reference matches nothing.
func (r *Recorder) RecordEvent(ctx context.Context, in EventInput) (*queue.Event, error) {
	in.Type = queue.EventType(strings.ToLower(string(in.Type)))
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, in.Type)
	}
	ref := strings.TrimSpace(in.MessageRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty message reference", queue.ErrNotFound)
	}

	msg, err := r.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	ev := &queue.Event{
		MessageID:     msg.ID,
		Type:          in.Type,
		Payload:       in.Payload,
		UserAgent:     in.UserAgent,
		SourceAddress: in.SourceAddress,
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	metrics.EventsRecordedTotal.WithLabelValues(string(ev.Type)).Inc()

	r.log.Debug().
		Str("message_id", msg.ID).
		Str("event_type", string(ev.Type)).
		Msg("delivery event recorded")

	if ev.Type == queue.EventBounce || ev.Type == queue.EventComplaint {
		r.penalize(ctx, msg, ev)
	}
	return ev, nil
}

func (r *Recorder) resolve(ctx context.Context, ref string) (*queue.Message, error) {
	msg, err := r.store.Get(ctx, ref)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return nil, err
	}

	msg, err = r.store.GetByProviderRef(ctx, ref)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, queue.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, ref)
	}
	return nil, err
}

// penalize records a terminal failure against the sending account. Failures
// here are logged only: the event itself is already stored.
func (r *Recorder) penalize(ctx context.Context, msg *queue.Message, ev *queue.Event) {
	if msg.Sender == "" || penalizedAtSend(msg) {
		return
	}

	kind := provider.KindHardBounce
	if ev.Type == queue.EventComplaint {
		kind = provider.KindComplaint
	}

	log := r.log.With().
		Str("message_id", msg.ID).
		Str("account", msg.Sender).
		Str("error_kind", string(kind)).
		Logger()

	if r.tracker != nil {
		err := r.tracker.RecordFailure(ctx, msg.Sender, string(kind))
		switch {
		case errors.Is(err, account.ErrUnknownAccount):
			log.Warn().Msg("event for account no longer configured")
		case err != nil:
			log.Error().Err(err).Msg("failed to record account failure")
		}
	}

	if r.failures != nil {
		if err := r.failures.Add(ctx, account.Failure{
			Timestamp: ev.CreatedAt,
			Account:   msg.Sender,
			MessageID: msg.ID,
			Kind:      string(kind),
			Retryable: false,
			Error:     describe(ev),
		}); err != nil {
			log.Error().Err(err).Msg("failed to log failure")
		}
	}
	log.Warn().Msg("negative delivery event")
}

// penalizedAtSend reports whether the dispatcher already charged the
// account with a terminal failure for msg when the send was rejected.
func penalizedAtSend(msg *queue.Message) bool {
	if msg.Status != queue.StatusFailed || msg.ErrorKind == "" || msg.ErrorKind == queue.KindStaleClaim {
		return false
	}
	return !provider.ErrorKind(msg.ErrorKind).Retryable()
}

// describe extracts a short reason from well-known payload keys.
func describe(ev *queue.Event) string {
	for _, key := range []string{"reason", "diagnostic_code", "bounce_type", "feedback_type"} {
		if v, ok := ev.Payload[key].(string); ok && v != "" {
			return string(ev.Type) + ": " + v
		}
	}
	return string(ev.Type) + " reported by provider"
}
