package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const sendgridDefaultEndpoint = "https://api.sendgrid.com"

// SendGrid submits messages through the v3 Mail Send API.
type SendGrid struct {
	endpoint string
	bearer   string
	fromName string
	client   HTTPClient
}

func NewSendGrid(cfg Config, client HTTPClient) *SendGrid {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = sendgridDefaultEndpoint
	}
	return &SendGrid{
		endpoint: endpoint,
		bearer:   "Bearer " + cfg.APIKey,
		fromName: cfg.FromName,
		client:   client,
	}
}

func (s *SendGrid) GetName() string { return TypeSendGrid }

func (s *SendGrid) request(ctx context.Context, method, path string, body []byte) (*HTTPResponse, error) {
	h := map[string]string{"Authorization": s.bearer}
	if body != nil {
		h["Content-Type"] = "application/json"
	}
	return s.client.Do(ctx, &HTTPRequest{Method: method, URL: s.endpoint + path, Headers: h, Body: body})
}

// Send posts msg to /v3/mail/send. A 202 carries the provider reference in
// the X-Message-Id header; webhook events echo the queue id from custom_args.
func (s *SendGrid) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	body, err := json.Marshal(s.buildPayload(msg))
	if err != nil {
		return nil, fmt.Errorf("sendgrid: encode payload: %w", err)
	}

	resp, err := s.request(ctx, http.MethodPost, "/v3/mail/send", body)
	if err != nil {
		return nil, &ProviderError{Provider: TypeSendGrid, Kind: Classify(err), Message: err.Error()}
	}
	if resp.StatusCode/100 != 2 {
		return nil, ClassifyHTTPError(TypeSendGrid, resp.StatusCode, string(resp.Body))
	}

	return &DeliveryResult{
		ProviderMessageID: resp.Headers["X-Message-Id"],
		Timestamp:         time.Now(),
		Metadata:          map[string]string{"status_code": strconv.Itoa(resp.StatusCode)},
	}, nil
}

// HealthCheck lists the key's scopes, which fails fast on a revoked key.
func (s *SendGrid) HealthCheck(ctx context.Context) error {
	resp, err := s.request(ctx, http.MethodGet, "/v3/scopes", nil)
	if err != nil {
		return fmt.Errorf("sendgrid: health check: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return ClassifyHTTPError(TypeSendGrid, resp.StatusCode, string(resp.Body))
	}
	return nil
}

type sendgridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendgridPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridEnvelope struct {
	To []sendgridAddress `json:"to"`
}

type sendgridPayload struct {
	Personalizations []sendgridEnvelope `json:"personalizations"`
	From             sendgridAddress    `json:"from"`
	Subject          string             `json:"subject"`
	Content          []sendgridPart     `json:"content"`
	Headers          map[string]string  `json:"headers,omitempty"`
	CustomArgs       map[string]string  `json:"custom_args,omitempty"`
}

func (s *SendGrid) buildPayload(msg *Message) sendgridPayload {
	p := sendgridPayload{
		Personalizations: []sendgridEnvelope{{To: []sendgridAddress{{Email: msg.To}}}},
		Subject:          msg.Subject,
	}

	p.From = sendgridAddress{Email: msg.From, Name: msg.FromName}
	if p.From.Name == "" {
		p.From.Name = s.fromName
	}

	// The API requires text/plain ahead of text/html.
	p.Content = append(p.Content, sendgridPart{Type: "text/plain", Value: textBody(msg)})
	if msg.HTMLBody != "" {
		p.Content = append(p.Content, sendgridPart{Type: "text/html", Value: msg.HTMLBody})
	}

	// Envelope headers are set through dedicated fields and rejected here.
	for k, v := range msg.Headers {
		if isReservedHeader(k) {
			continue
		}
		if p.Headers == nil {
			p.Headers = make(map[string]string, len(msg.Headers))
		}
		p.Headers[k] = v
	}
	if msg.ID != "" {
		p.CustomArgs = map[string]string{"message_id": msg.ID}
	}
	return p
}
