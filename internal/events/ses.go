package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docmchurch/mailqueue/internal/queue"
)

// ErrIgnored marks provider notifications that carry no delivery event.
var ErrIgnored = errors.New("notification ignored")

// snsEnvelope is the SNS wrapper around an SES notification.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	TopicArn     string `json:"TopicArn"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesNotification struct {
	NotificationType string        `json:"notificationType"`
	EventType        string        `json:"eventType"`
	Mail             sesMail       `json:"mail"`
	Bounce           *sesBounce    `json:"bounce"`
	Complaint        *sesComplaint `json:"complaint"`
	Delivery         *sesDelivery  `json:"delivery"`
	Open             *sesOpen      `json:"open"`
	Click            *sesClick     `json:"click"`
}

type sesMail struct {
	MessageID   string      `json:"messageId"`
	Source      string      `json:"source"`
	Destination []string    `json:"destination"`
	Headers     []sesHeader `json:"headers"`
}

type sesHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sesBounce struct {
	BounceType        string         `json:"bounceType"`
	BounceSubType     string         `json:"bounceSubType"`
	BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	DiagnosticCode string `json:"diagnosticCode"`
}

type sesComplaint struct {
	ComplaintFeedbackType string `json:"complaintFeedbackType"`
}

type sesDelivery struct {
	SMTPResponse string `json:"smtpResponse"`
}

type sesOpen struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

type sesClick struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
	Link      string `json:"link"`
}

// ParseSES turns an SNS-wrapped or raw SES notification into an
// EventInput. The queue id header is preferred over SES's own message id.
func ParseSES(body string) (EventInput, error) {
	raw := []byte(body)

	var env snsEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		if env.Type == "SubscriptionConfirmation" || env.Type == "UnsubscribeConfirmation" {
			return EventInput{}, &SNSConfirmation{Type: env.Type, TopicArn: env.TopicArn, SubscribeURL: env.SubscribeURL}
		}
		raw = []byte(env.Message)
	}

	var n sesNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return EventInput{}, fmt.Errorf("decode ses notification: %w", err)
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	in := EventInput{
		MessageRef: n.Mail.MessageID,
		Payload: map[string]any{
			"provider":            "ses",
			"provider_message_id": n.Mail.MessageID,
		},
	}
	for _, h := range n.Mail.Headers {
		if strings.EqualFold(h.Name, "X-Mailqueue-Id") && h.Value != "" {
			in.MessageRef = h.Value
		}
	}

	switch kind {
	case "Bounce":
		in.Type = queue.EventBounce
		if n.Bounce != nil {
			in.Payload["bounce_type"] = n.Bounce.BounceType
			in.Payload["bounce_sub_type"] = n.Bounce.BounceSubType
			if len(n.Bounce.BouncedRecipients) > 0 {
				in.Payload["recipient"] = n.Bounce.BouncedRecipients[0].EmailAddress
				in.Payload["diagnostic_code"] = n.Bounce.BouncedRecipients[0].DiagnosticCode
			}
		}
	case "Complaint":
		in.Type = queue.EventComplaint
		if n.Complaint != nil {
			in.Payload["feedback_type"] = n.Complaint.ComplaintFeedbackType
		}
	case "Delivery":
		in.Type = queue.EventDelivery
		if n.Delivery != nil {
			in.Payload["smtp_response"] = n.Delivery.SMTPResponse
		}
	case "Open":
		in.Type = queue.EventOpen
		if n.Open != nil {
			in.UserAgent = n.Open.UserAgent
			in.SourceAddress = n.Open.IPAddress
		}
	case "Click":
		in.Type = queue.EventClick
		if n.Click != nil {
			in.UserAgent = n.Click.UserAgent
			in.SourceAddress = n.Click.IPAddress
			in.Payload["link"] = n.Click.Link
		}
	default:
		return EventInput{}, fmt.Errorf("%w: ses %q", ErrIgnored, kind)
	}

	if in.MessageRef == "" {
		return EventInput{}, errors.New("ses notification has no message id")
	}
	return in, nil
}
