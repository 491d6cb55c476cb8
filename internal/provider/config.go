package provider

import (
	"errors"
	"fmt"
	"time"
)

// Transport types.
const (
	TypeSMTP     = "smtp"
	TypeSendGrid = "sendgrid"
	TypeMailgun  = "mailgun"
	TypeStdout   = "stdout"
)

// TLS modes for the SMTP transport.
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "tls"
	TLSModeNone     = "none"
)

// Config selects and configures the transport.
type Config struct {
	// Type is one of "smtp", "sendgrid", "mailgun" or "stdout".
	Type string

	// Timeout bounds a single API call or SMTP session.
	Timeout time.Duration

	// FromName is the display name used on every sending account.
	FromName string

	// SMTP relay settings. Each sending account authenticates as itself;
	// Password is shared unless Passwords overrides it per address.
	Host               string
	Port               int
	TLSMode            string
	Password           string
	Passwords          map[string]string
	LocalName          string
	InsecureSkipVerify bool
	DKIM               DKIMConfig

	// HTTP API settings.
	APIKey string
	// Endpoint overrides the default API URL (useful for testing).
	Endpoint string
	// Domain is the Mailgun sending domain.
	Domain string
}

const defaultTimeout = 30 * time.Second

// Validate checks that required fields are set for the transport type
// and fills defaults.
func (c *Config) Validate() error {
	if c.Type == "" {
		return errors.New("transport type is required")
	}

	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}

	switch c.Type {
	case TypeSMTP:
		if c.Host == "" {
			return errors.New("smtp: host is required")
		}
		if c.Port == 0 {
			c.Port = 587
		}
		switch c.TLSMode {
		case "":
			c.TLSMode = TLSModeStartTLS
		case TLSModeStartTLS, TLSModeImplicit, TLSModeNone:
		default:
			return fmt.Errorf("smtp: unsupported tls_mode %q", c.TLSMode)
		}
		if c.LocalName == "" {
			c.LocalName = "localhost"
		}
	case TypeSendGrid:
		if c.APIKey == "" {
			return errors.New("sendgrid: api_key is required")
		}
	case TypeMailgun:
		if c.APIKey == "" {
			return errors.New("mailgun: api_key is required")
		}
		if c.Domain == "" {
			return errors.New("mailgun: domain is required")
		}
	case TypeStdout:
		// No configuration required.
	default:
		return fmt.Errorf("unsupported transport type: %s", c.Type)
	}

	return nil
}
