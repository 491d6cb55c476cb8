package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/metrics"
	"github.com/docmchurch/mailqueue/internal/queue"
)

// Enqueuer accepts new messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// KeyLookup resolves an API key to a client id. An empty key set means
// submissions are accepted without AUTH.
type KeyLookup interface {
	Lookup(key string) (string, error)
	Len() int
}

// Options tune the submission backend.
type Options struct {
	MaxConnections     int
	DefaultMaxAttempts int
	// Archive receives the raw bytes of every accepted DATA. Nil disables it.
	Archive archive.Store
}

// Backend implements the go-smtp Backend interface. Every accepted DATA
// becomes one queued message per recipient.
type Backend struct {
	store    Enqueuer
	keys     KeyLookup
	registry *account.Registry
	opts     Options
	log      zerolog.Logger
	active   atomic.Int64
}

// NewBackend creates a submission backend over store. Senders are limited
// to the registry's accounts and their domains.
func NewBackend(store Enqueuer, keys KeyLookup, registry *account.Registry, opts Options, log zerolog.Logger) *Backend {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	return &Backend{
		store:    store,
		keys:     keys,
		registry: registry,
		opts:     opts,
		log:      log,
	}
}

// NewSession is called after a client sends EHLO/HELO. It enforces connection
// limits and creates a new Session for the connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	current := b.active.Add(1)
	if int(current) > b.opts.MaxConnections {
		b.active.Add(-1)
		b.log.Warn().
			Int64("active", current-1).
			Int("max", b.opts.MaxConnections).
			Msg("connection limit reached")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections",
		}
	}
	metrics.SMTPConnectionsActive.Inc()

	remote := ""
	if c := conn.Conn(); c != nil {
		remote = c.RemoteAddr().String()
	}
	return b.newSession(remote), nil
}

func (b *Backend) newSession(remote string) *Session {
	correlationID := logger.NewCorrelationID()
	ctx := logger.WithCorrelationID(context.Background(), correlationID)

	sessionLog := b.log.With().
		Str("correlation_id", correlationID).
		Str("remote_addr", remote).
		Logger()
	sessionLog.Debug().Msg("new SMTP session")

	s := &Session{
		ctx:     logger.WithLogger(ctx, sessionLog),
		log:     sessionLog,
		backend: b,
	}
	if b.keys == nil || b.keys.Len() == 0 {
		s.authenticated = true
		s.client = "anonymous"
	}
	return s
}

// ActiveSessions returns the current number of active SMTP sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.active.Load()
}

func (b *Backend) release() {
	b.active.Add(-1)
	metrics.SMTPConnectionsActive.Dec()
}

// ServerConfig configures the listening side.
type ServerConfig struct {
	Addr              string
	Domain            string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MaxRecipients     int
	AllowInsecureAuth bool
	TLSCertFile       string
	TLSKeyFile        string
}

// NewServer wraps the backend in a go-smtp server. STARTTLS is offered when
// a certificate is configured.
func NewServer(b *Backend, cfg ServerConfig) (*gosmtp.Server, error) {
	s := gosmtp.NewServer(b)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	s.AllowInsecureAuth = cfg.AllowInsecureAuth
	s.EnableSMTPUTF8 = true

	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls certificate: %w", err)
		}
		s.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return s, nil
}
