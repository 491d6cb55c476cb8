package provider

import (
	"context"
	"time"
)

// Provider is a mail transport that delivers one message per call.
type Provider interface {
	// Send delivers msg and returns the transport's reference for it.
	// Errors should be *ProviderError where the kind is known.
	Send(ctx context.Context, msg *Message) (*DeliveryResult, error)
	// GetName returns the transport identifier (e.g. "smtp", "sendgrid").
	GetName() string
	// HealthCheck verifies the transport is reachable.
	HealthCheck(ctx context.Context) error
}

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// HTTPRequest represents an outgoing HTTP request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// HTTPResponse represents an HTTP response from a provider API.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Message is a single-recipient email ready for delivery. From is the
// sending account chosen for this attempt.
type Message struct {
	ID       string
	From     string
	FromName string
	To       string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// DeliveryResult contains the outcome of a delivery attempt.
type DeliveryResult struct {
	ProviderMessageID string
	Timestamp         time.Time
	Metadata          map[string]string
}
