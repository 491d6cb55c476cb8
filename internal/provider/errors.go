package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	gosmtp "github.com/emersion/go-smtp"
)

// ErrorKind classifies a delivery failure.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindServerError      ErrorKind = "server_error"
	KindThrottled        ErrorKind = "throttled"
	KindConnection       ErrorKind = "connection"
	KindInvalidRecipient ErrorKind = "invalid_recipient"
	KindAuthRejected     ErrorKind = "auth_rejected"
	KindHardBounce       ErrorKind = "hard_bounce"
	KindComplaint        ErrorKind = "complaint"
	KindRejected         ErrorKind = "rejected"
)

// Retryable reports whether a failure of this kind may succeed later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindServerError, KindThrottled, KindConnection:
		return true
	}
	return false
}

// ProviderError wraps a transport failure with its classification.
type ProviderError struct {
	// Provider is the name of the transport that returned the error.
	Provider string
	Kind     ErrorKind
	// StatusCode is the HTTP status or SMTP reply code, when there is one.
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + string(e.Kind) + ": " + e.Message
}

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	return e.Kind.Retryable()
}

// Classify maps any send error to an ErrorKind. Errors that cannot be
// recognized are treated as retryable server errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return classifySMTPCode(smtpErr.Code)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}

	return KindServerError
}

// IsRetryable is shorthand for Classify(err).Retryable().
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// classifySMTPCode maps an SMTP reply code to an ErrorKind.
func classifySMTPCode(code int) ErrorKind {
	switch code {
	case 421, 452:
		return KindThrottled
	case 530, 534, 535:
		return KindAuthRejected
	case 550, 551, 553:
		return KindInvalidRecipient
	}
	switch {
	case code >= 400 && code < 500:
		return KindServerError
	case code >= 500 && code < 600:
		return KindRejected
	}
	return KindServerError
}

// SMTPError converts an SMTP reply into a ProviderError.
func SMTPError(providerName string, err *gosmtp.SMTPError) *ProviderError {
	return &ProviderError{
		Provider:   providerName,
		Kind:       classifySMTPCode(err.Code),
		StatusCode: err.Code,
		Message:    err.Message,
	}
}

// ClassifyHTTPError creates a ProviderError from an HTTP status code and
// response body. It returns nil for 2xx responses.
func ClassifyHTTPError(providerName string, statusCode int, body string) *ProviderError {
	pe := &ProviderError{
		Provider:   providerName,
		StatusCode: statusCode,
		Message:    body,
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil

	case statusCode == 400:
		switch {
		case containsAny(body, recipientPatterns):
			pe.Kind = KindInvalidRecipient
		case containsAny(body, rejectionPatterns):
			pe.Kind = KindRejected
		default:
			pe.Kind = KindServerError
		}

	case statusCode == 401, statusCode == 403:
		pe.Kind = KindAuthRejected

	case statusCode == 408:
		pe.Kind = KindTimeout

	case statusCode == 429:
		pe.Kind = KindThrottled

	case statusCode >= 500:
		if containsAny(body, credentialPatterns) {
			pe.Kind = KindAuthRejected
		} else {
			pe.Kind = KindServerError
		}

	default:
		pe.Kind = KindRejected
	}

	return pe
}

var recipientPatterns = []string{
	"invalid recipient",
	"invalid email",
	"does not exist",
	"mailbox not found",
	"recipient rejected",
	"invalid address",
}

var rejectionPatterns = []string{
	"bad request",
	"validation error",
}

var credentialPatterns = []string{
	"invalid api key",
	"authentication failed",
	"account suspended",
	"account disabled",
	"unauthorized",
}

func containsAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
