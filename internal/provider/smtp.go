package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTP delivers through an authenticated SMTP relay. Every sending account
// logs in with its own address, so the relay attributes usage per account.
type SMTP struct {
	addr      string
	host      string
	tlsMode   string
	tlsConfig *tls.Config
	localName string
	timeout   time.Duration
	password  string
	passwords map[string]string
	fromName  string
	dkim      *DKIMSigner
	dialer    func(ctx context.Context, network, addr string) (net.Conn, error)
	now       func() time.Time
}

// NewSMTP creates an SMTP transport from cfg. cfg must have been validated.
func NewSMTP(cfg Config, signer *DKIMSigner) *SMTP {
	passwords := make(map[string]string, len(cfg.Passwords))
	for addr, pw := range cfg.Passwords {
		passwords[strings.ToLower(addr)] = pw
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SMTP{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:    cfg.Host,
		tlsMode: cfg.TLSMode,
		tlsConfig: &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test relays
			MinVersion:         tls.VersionTLS12,
		},
		localName: cfg.LocalName,
		timeout:   cfg.Timeout,
		password:  cfg.Password,
		passwords: passwords,
		fromName:  cfg.FromName,
		dkim:      signer,
		dialer:    d.DialContext,
		now:       time.Now,
	}
}

func (s *SMTP) GetName() string { return TypeSMTP }

// Send opens a session, authenticates as msg.From and submits the message.
func (s *SMTP) Send(ctx context.Context, msg *Message) (*DeliveryResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	m := *msg
	if m.FromName == "" {
		m.FromName = s.fromName
	}
	msg = &m

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOrHost(msg.From, s.host))
	raw, err := buildMIME(msg, messageID, s.now())
	if err != nil {
		return nil, &ProviderError{Provider: TypeSMTP, Kind: KindRejected, Message: err.Error()}
	}
	if s.dkim != nil {
		raw, err = s.dkim.Sign(raw, msg.From)
		if err != nil {
			return nil, &ProviderError{Provider: TypeSMTP, Kind: KindRejected, Message: err.Error()}
		}
	}

	c, err := s.open(ctx)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer c.Close()

	if pw := s.passwordFor(msg.From); pw != "" {
		if err := c.Auth(sasl.NewPlainClient("", msg.From, pw)); err != nil {
			return nil, s.wrap(err)
		}
	}
	if err := c.Mail(msg.From, nil); err != nil {
		return nil, s.wrap(err)
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return nil, s.wrap(err)
	}
	w, err := c.Data()
	if err != nil {
		return nil, s.wrap(err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, s.wrap(err)
	}
	if err := w.Close(); err != nil {
		return nil, s.wrap(err)
	}
	_ = c.Quit()

	return &DeliveryResult{
		ProviderMessageID: strings.Trim(messageID, "<>"),
		Timestamp:         s.now(),
		Metadata:          map[string]string{"relay": s.addr},
	}, nil
}

// HealthCheck connects and greets the relay without sending.
func (s *SMTP) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	c, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("smtp: health check: %w", err)
	}
	defer c.Close()
	if err := c.Noop(); err != nil {
		return fmt.Errorf("smtp: health check: %w", err)
	}
	_ = c.Quit()
	return nil
}

// open dials the relay, negotiates TLS and sends EHLO. The connection is
// bound to ctx: cancelling it aborts any blocked read or write.
func (s *SMTP) open(ctx context.Context) (*gosmtp.Client, error) {
	conn, err := s.dialer(ctx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	if s.tlsMode == TLSModeImplicit {
		tlsConn := tls.Client(conn, s.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	var c *gosmtp.Client
	if s.tlsMode == TLSModeStartTLS {
		// Greets, sends STARTTLS and closes conn on failure. EHLO is
		// repeated below over the encrypted channel.
		c, err = gosmtp.NewClientStartTLS(conn, s.tlsConfig)
		if err != nil {
			stop()
			return nil, startTLSError(err)
		}
	} else {
		c = gosmtp.NewClient(conn)
	}
	if err := c.Hello(s.localName); err != nil {
		stop()
		c.Close()
		if s.tlsMode == TLSModeStartTLS {
			// The handshake runs on the first write after STARTTLS.
			return nil, startTLSError(err)
		}
		return nil, err
	}
	return c, nil
}

// startTLSError keeps relay replies and timeouts as they are and reports
// anything else, such as a missing STARTTLS extension or a failed
// handshake, as a connection problem.
func startTLSError(err error) error {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) || Classify(err) == KindTimeout {
		return err
	}
	return &ProviderError{Provider: TypeSMTP, Kind: KindConnection, Message: "starttls: " + err.Error()}
}

// bound applies the configured timeout when ctx has no deadline.
func (s *SMTP) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SMTP) passwordFor(from string) string {
	if pw, ok := s.passwords[strings.ToLower(from)]; ok {
		return pw
	}
	return s.password
}

// wrap classifies a session error as a ProviderError.
func (s *SMTP) wrap(err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return SMTPError(TypeSMTP, smtpErr)
	}
	return &ProviderError{Provider: TypeSMTP, Kind: Classify(err), Message: err.Error()}
}

func domainOrHost(addr, host string) string {
	if d := domainOf(addr); d != "" {
		return d
	}
	return host
}
