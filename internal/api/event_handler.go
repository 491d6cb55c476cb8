package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/docmchurch/mailqueue/internal/events"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/queue"
)

const maxWebhookBody = 1 << 20

// EventRecorder appends delivery events to messages.
type EventRecorder interface {
	RecordEvent(ctx context.Context, in events.EventInput) (*queue.Event, error)
}

// SubscriptionConfirmer activates SNS HTTP subscriptions.
type SubscriptionConfirmer interface {
	Confirm(ctx context.Context, c *events.SNSConfirmation) error
}

type eventRequest struct {
	MessageRef    string         `json:"message_ref"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	UserAgent     string         `json:"user_agent"`
	SourceAddress string         `json:"source_address"`
}

// RecordEventHandler handles POST /api/v1/events, the generic provider
// callback. An unknown message reference yields 404.
func RecordEventHandler(recorder EventRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MessageRef == "" || req.Type == "" {
			respondValidationErrors(w, missingEventFields(req))
			return
		}

		in := events.EventInput{
			MessageRef:    req.MessageRef,
			Type:          queue.EventType(req.Type),
			Payload:       req.Payload,
			UserAgent:     req.UserAgent,
			SourceAddress: req.SourceAddress,
		}
		if in.UserAgent == "" {
			in.UserAgent = r.UserAgent()
		}
		if in.SourceAddress == "" {
			in.SourceAddress = clientIP(r)
		}

		ev, err := recorder.RecordEvent(r.Context(), in)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, ev)
	}
}

func missingEventFields(req eventRequest) []queue.FieldError {
	var out []queue.FieldError
	if req.MessageRef == "" {
		out = append(out, queue.FieldError{Field: "message_ref", Message: "message_ref is required"})
	}
	if req.Type == "" {
		out = append(out, queue.FieldError{Field: "type", Message: "type is required"})
	}
	return out
}

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackOpenHandler handles GET /api/v1/track/open?id=. The pixel is served
// whatever happens so mail clients never show a broken image.
func TrackOpenHandler(recorder EventRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			_, err := recorder.RecordEvent(r.Context(), events.EventInput{
				MessageRef:    id,
				Type:          queue.EventOpen,
				Payload:       map[string]any{"source": "tracking_pixel"},
				UserAgent:     r.UserAgent(),
				SourceAddress: clientIP(r),
			})
			if err != nil && !errors.Is(err, queue.ErrNotFound) {
				log := logger.FromContext(r.Context())
				log.Warn().Err(err).Str("message_ref", id).Msg("failed to record open")
			}
		}

		w.Header().Set("Content-Type", "image/gif")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(transparentGIF)
	}
}

// SendGridWebhookHandler handles POST /api/v1/webhooks/sendgrid.
// SendGrid sends an array of event objects.
func SendGridWebhookHandler(recorder EventRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		inputs, err := events.ParseSendGrid(body)
		if err != nil {
			log.Warn().Err(err).Msg("sendgrid webhook: invalid payload")
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		recorded := 0
		for _, in := range inputs {
			ok, err := recordWebhookEvent(r, recorder, in, "sendgrid")
			if err != nil {
				// A 5xx makes SendGrid redeliver the batch.
				respondError(w, http.StatusInternalServerError, "failed to record events")
				return
			}
			if ok {
				recorded++
			}
		}
		respondJSON(w, http.StatusOK, map[string]int{"recorded": recorded})
	}
}

// MailgunWebhookHandler handles POST /api/v1/webhooks/mailgun.
// Mailgun sends event data wrapped in an "event-data" field.
func MailgunWebhookHandler(recorder EventRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		in, err := events.ParseMailgun(body)
		handleSingleWebhook(w, r, recorder, in, err, "mailgun")
	}
}

// SESWebhookHandler handles POST /api/v1/webhooks/ses for SNS HTTP
// subscriptions. Subscription handshakes go to confirmer; without one the
// SubscribeURL is logged so an operator can confirm by hand.
func SESWebhookHandler(recorder EventRecorder, confirmer SubscriptionConfirmer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		in, err := events.ParseSES(string(body))

		var conf *events.SNSConfirmation
		if errors.As(err, &conf) {
			handleSNSConfirmation(w, r, confirmer, conf)
			return
		}
		handleSingleWebhook(w, r, recorder, in, err, "ses")
	}
}

func handleSNSConfirmation(w http.ResponseWriter, r *http.Request, confirmer SubscriptionConfirmer, conf *events.SNSConfirmation) {
	log := logger.FromContext(r.Context()).With().
		Str("topic_arn", conf.TopicArn).
		Str("sns_type", conf.Type).
		Logger()

	if confirmer == nil {
		if conf.Subscribe() {
			log.Warn().Str("subscribe_url", conf.SubscribeURL).Msg("sns subscription awaiting manual confirmation")
		}
		respondJSON(w, http.StatusOK, map[string]int{"recorded": 0})
		return
	}
	if conf.Subscribe() {
		if _, err := events.CheckSubscribeURL(conf.SubscribeURL); err != nil {
			log.Warn().Err(err).Msg("sns confirmation refused")
			respondError(w, http.StatusBadRequest, "invalid subscribe url")
			return
		}
	}
	if err := confirmer.Confirm(r.Context(), conf); err != nil {
		// SNS retries the handshake on a non-2xx reply.
		log.Error().Err(err).Str("subscribe_url", conf.SubscribeURL).Msg("sns subscription confirmation failed")
		respondError(w, http.StatusBadGateway, "subscription confirmation failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"recorded": 0})
}

func handleSingleWebhook(w http.ResponseWriter, r *http.Request, recorder EventRecorder, in events.EventInput, parseErr error, provider string) {
	log := logger.FromContext(r.Context())

	if errors.Is(parseErr, events.ErrIgnored) {
		respondJSON(w, http.StatusOK, map[string]int{"recorded": 0})
		return
	}
	if parseErr != nil {
		log.Warn().Err(parseErr).Str("provider", provider).Msg("webhook: invalid payload")
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := recordWebhookEvent(r, recorder, in, provider)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	recorded := 0
	if ok {
		recorded = 1
	}
	respondJSON(w, http.StatusOK, map[string]int{"recorded": recorded})
}

// recordWebhookEvent records one normalized event. Unknown messages are
// acknowledged so the provider stops retrying them.
func recordWebhookEvent(r *http.Request, recorder EventRecorder, in events.EventInput, provider string) (bool, error) {
	log := logger.FromContext(r.Context())

	_, err := recorder.RecordEvent(r.Context(), in)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, queue.ErrNotFound):
		log.Warn().Str("provider", provider).Str("message_ref", in.MessageRef).Msg("webhook: message not found")
		return false, nil
	default:
		log.Error().Err(err).Str("provider", provider).Str("message_ref", in.MessageRef).Msg("webhook: record event failed")
		return false, err
	}
}

// clientIP returns the first X-Forwarded-For hop, or the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
