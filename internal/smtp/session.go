package smtp

import (
	"bytes"
	"context"
	"errors"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/metrics"
	"github.com/docmchurch/mailqueue/internal/mimeparse"
	"github.com/docmchurch/mailqueue/internal/queue"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errNoSender = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "MAIL FROM required",
	}
	errNoRecipients = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "RCPT TO required",
	}
	errTempFailure = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, try again later",
	}
)

// Session is one SMTP submission conversation.
type Session struct {
	ctx     context.Context
	log     zerolog.Logger
	backend *Backend

	authenticated bool
	client        string

	sender     string
	preferred  string
	recipients []string
}

// AuthMechanisms advertises AUTH PLAIN. The password is a client API key;
// the username is ignored.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth implements gosmtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if s.backend.keys == nil || s.backend.keys.Len() == 0 {
			s.authenticated = true
			s.client = "anonymous"
			return nil
		}
		client, err := s.backend.keys.Lookup(password)
		if err != nil {
			metrics.APIAuthFailuresTotal.WithLabelValues("smtp").Inc()
			s.log.Warn().Str("username", username).Msg("smtp authentication failed")
			return errAuthFailed
		}
		s.authenticated = true
		s.client = client
		s.log = s.log.With().Str("client", client).Logger()
		s.log.Debug().Msg("smtp client authenticated")
		return nil
	}), nil
}

// Mail accepts the envelope sender. A configured sending account becomes
// the preferred sender; any other address must belong to an account's
// domain.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if err := ValidateEmailAddress(from); err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}

	if reg := s.backend.registry; reg != nil {
		if _, ok := reg.Lookup(from); ok {
			s.preferred = strings.ToLower(from)
		} else if reg.OwnsDomain(ExtractDomain(from)) {
			s.preferred = ""
		} else {
			s.log.Warn().Str("sender", from).Msg("sender domain not permitted")
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
				Message:      "Sender domain not permitted",
			}
		}
	}

	s.sender = from
	return nil
}

// Rcpt adds a recipient. Each recipient becomes its own queued message.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if err := ValidateEmailAddress(to); err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	s.recipients = append(s.recipients, to)
	return nil
}

// Data parses the message and enqueues one copy per recipient. Recipients
// enqueued before a store error stay queued. With an archive configured the
// raw bytes are stored first and every copy references them.
func (s *Session) Data(r io.Reader) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if s.sender == "" {
		return errNoSender
	}
	if len(s.recipients) == 0 {
		return errNoRecipients
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	content, err := mimeparse.Parse(bytes.NewReader(raw))
	if err != nil {
		metrics.SMTPMessagesReceivedTotal.WithLabelValues("rejected").Inc()
		s.log.Warn().Err(err).Msg("unparseable message")
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}
	if content.HasAttachments() {
		metrics.SMTPMessagesReceivedTotal.WithLabelValues("rejected").Inc()
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 1},
			Message:      "Attachments are not supported",
		}
	}

	correlationID := content.MessageID
	if correlationID == "" {
		correlationID = logger.CorrelationIDFromContext(s.ctx)
	}

	rawRef := ""
	if store := s.backend.opts.Archive; store != nil {
		rawRef = archive.Key(time.Now(), uuid.NewString())
		if err := store.Put(s.ctx, rawRef, raw); err != nil {
			metrics.SMTPMessagesReceivedTotal.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Msg("failed to archive submission")
			return errTempFailure
		}
	}

	for i, rcpt := range s.recipients {
		req := requestFor(content, rcpt)
		req.Sender = s.preferred
		req.MaxAttempts = s.backend.opts.DefaultMaxAttempts
		req.CorrelationID = correlationID
		req.Metadata["client"] = s.client
		if rawRef != "" {
			req.Metadata[archive.MetadataKey] = rawRef
		}

		id, err := s.backend.store.Enqueue(s.ctx, req)
		if err != nil && i == 0 {
			s.discardRaw(rawRef)
		}
		var verr *queue.ValidationError
		switch {
		case errors.As(err, &verr):
			metrics.SMTPMessagesReceivedTotal.WithLabelValues("rejected").Inc()
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
				Message:      verr.Error(),
			}
		case err != nil:
			metrics.SMTPMessagesReceivedTotal.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Str("recipient", rcpt).Msg("failed to enqueue submission")
			return errTempFailure
		}

		metrics.SMTPMessagesReceivedTotal.WithLabelValues("accepted").Inc()
		metrics.MessagesEnqueuedTotal.Inc()
		s.log.Info().
			Str("message_id", id).
			Str("recipient", rcpt).
			Str("sender", s.sender).
			Msg("smtp submission enqueued")
	}
	return nil
}

// discardRaw removes an archived submission that no queued message refers to.
func (s *Session) discardRaw(key string) {
	if key == "" {
		return
	}
	if err := s.backend.opts.Archive.Delete(s.ctx, key); err != nil {
		s.log.Warn().Err(err).Str("raw_ref", key).Msg("failed to discard archived submission")
	}
}

// requestFor maps the parsed content to an enqueue request. A text-only
// submission is wrapped so the HTML body is never empty.
func requestFor(c *mimeparse.Content, to string) queue.EnqueueRequest {
	htmlBody := c.HTMLBody
	if strings.TrimSpace(htmlBody) == "" && c.TextBody != "" {
		htmlBody = "<pre>" + html.EscapeString(c.TextBody) + "</pre>"
	}
	meta := map[string]any{"source": "smtp"}
	if c.MessageID != "" {
		meta["smtp_message_id"] = c.MessageID
	}
	return queue.EnqueueRequest{
		To:       to,
		Subject:  c.Subject,
		HTMLBody: htmlBody,
		TextBody: c.TextBody,
		Metadata: meta,
	}
}

// Reset clears the envelope. Authentication survives.
func (s *Session) Reset() {
	s.sender = ""
	s.preferred = ""
	s.recipients = nil
}

// Logout releases the connection slot.
func (s *Session) Logout() error {
	s.backend.release()
	return nil
}
