package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docmchurch/mailqueue/internal/queue"
)

type sendGridEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	SGMessageID string `json:"sg_message_id"`
	// MessageID is the custom_args value set at send time.
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	UserAgent string `json:"useragent"`
	IP        string `json:"ip"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// ParseSendGrid normalizes a SendGrid event webhook body (a JSON array).
// Events with no delivery meaning, such as "processed", are skipped.
func ParseSendGrid(body []byte) ([]EventInput, error) {
	var events []sendGridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode sendgrid events: %w", err)
	}

	out := make([]EventInput, 0, len(events))
	for _, e := range events {
		typ := sendGridType(e.Event)
		if typ == "" {
			continue
		}

		ref := e.MessageID
		if ref == "" {
			// sg_message_id is the X-Message-Id returned at send time plus
			// a ".filter..." suffix.
			ref, _, _ = strings.Cut(e.SGMessageID, ".")
		}
		if ref == "" {
			continue
		}

		in := EventInput{
			MessageRef:    ref,
			Type:          typ,
			UserAgent:     e.UserAgent,
			SourceAddress: e.IP,
			Payload: map[string]any{
				"provider":            "sendgrid",
				"provider_event":      e.Event,
				"provider_message_id": e.SGMessageID,
				"recipient":           e.Email,
			},
		}
		if e.Reason != "" {
			in.Payload["reason"] = e.Reason
		}
		if e.Type != "" {
			in.Payload["bounce_type"] = e.Type
		}
		if e.Status != "" {
			in.Payload["status"] = e.Status
		}
		if e.URL != "" {
			in.Payload["link"] = e.URL
		}
		if e.Timestamp != 0 {
			in.Payload["timestamp"] = e.Timestamp
		}
		out = append(out, in)
	}
	return out, nil
}

func sendGridType(event string) queue.EventType {
	switch event {
	case "delivered":
		return queue.EventDelivery
	case "open":
		return queue.EventOpen
	case "click":
		return queue.EventClick
	case "bounce", "blocked", "dropped":
		return queue.EventBounce
	case "spamreport":
		return queue.EventComplaint
	}
	return ""
}

type mailgunWebhookPayload struct {
	EventData mailgunEventData `json:"event-data"`
}

type mailgunEventData struct {
	Event          string                `json:"event"`
	Severity       string                `json:"severity"`
	Reason         string                `json:"reason"`
	Recipient      string                `json:"recipient"`
	IP             string                `json:"ip"`
	URL            string                `json:"url"`
	Timestamp      float64               `json:"timestamp"`
	Message        mailgunMessage        `json:"message"`
	DeliveryStatus mailgunDeliveryStatus `json:"delivery-status"`
	ClientInfo     mailgunClientInfo     `json:"client-info"`
	UserVariables  map[string]any        `json:"user-variables"`
}

type mailgunMessage struct {
	Headers mailgunHeaders `json:"headers"`
}

type mailgunHeaders struct {
	MessageID string `json:"message-id"`
}

type mailgunDeliveryStatus struct {
	Message     string `json:"message"`
	Description string `json:"description"`
	Code        int    `json:"code"`
}

type mailgunClientInfo struct {
	UserAgent string `json:"user-agent"`
}

// ParseMailgun normalizes a Mailgun webhook body. Temporary failures are
// ignored because Mailgun keeps retrying them itself.
func ParseMailgun(body []byte) (EventInput, error) {
	var payload mailgunWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return EventInput{}, fmt.Errorf("decode mailgun event: %w", err)
	}
	e := payload.EventData

	var typ queue.EventType
	switch e.Event {
	case "delivered":
		typ = queue.EventDelivery
	case "opened":
		typ = queue.EventOpen
	case "clicked":
		typ = queue.EventClick
	case "complained":
		typ = queue.EventComplaint
	case "failed", "rejected":
		if e.Severity == "temporary" {
			return EventInput{}, fmt.Errorf("%w: mailgun temporary failure", ErrIgnored)
		}
		typ = queue.EventBounce
	default:
		return EventInput{}, fmt.Errorf("%w: mailgun %q", ErrIgnored, e.Event)
	}

	ref := strings.Trim(e.Message.Headers.MessageID, "<>")
	if v, ok := e.UserVariables["message_id"].(string); ok && v != "" {
		ref = v
	}
	if ref == "" {
		return EventInput{}, errors.New("mailgun event has no message id")
	}

	in := EventInput{
		MessageRef:    ref,
		Type:          typ,
		UserAgent:     e.ClientInfo.UserAgent,
		SourceAddress: e.IP,
		Payload: map[string]any{
			"provider":            "mailgun",
			"provider_event":      e.Event,
			"provider_message_id": e.Message.Headers.MessageID,
			"recipient":           e.Recipient,
		},
	}
	if e.Reason != "" {
		in.Payload["reason"] = e.Reason
	}
	if msg := e.DeliveryStatus.Message; msg != "" {
		in.Payload["diagnostic_code"] = msg
	} else if d := e.DeliveryStatus.Description; d != "" {
		in.Payload["diagnostic_code"] = d
	}
	if e.DeliveryStatus.Code != 0 {
		in.Payload["status_code"] = e.DeliveryStatus.Code
	}
	if e.URL != "" {
		in.Payload["link"] = e.URL
	}
	return in, nil
}
