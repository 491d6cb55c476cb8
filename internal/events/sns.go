package events

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// SNSConfirmation is returned by ParseSES for SNS subscribe and unsubscribe
// handshakes. It matches ErrIgnored since it carries no delivery event.
type SNSConfirmation struct {
	Type         string
	TopicArn     string
	SubscribeURL string
}

func (c *SNSConfirmation) Error() string { return "sns " + c.Type + " for " + c.TopicArn }

func (c *SNSConfirmation) Unwrap() error { return ErrIgnored }

// Subscribe reports whether this is a request to confirm a new subscription.
func (c *SNSConfirmation) Subscribe() bool { return c.Type == "SubscriptionConfirmation" }

var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// CheckSubscribeURL accepts only https URLs on a regional SNS endpoint, so a
// forged confirmation cannot make the service fetch arbitrary addresses.
func CheckSubscribeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse subscribe url: %w", err)
	}
	if u.Scheme != "https" || !snsHost.MatchString(u.Hostname()) || u.Port() != "" {
		return nil, fmt.Errorf("subscribe url %q is not an SNS endpoint", raw)
	}
	return u, nil
}

// SNSConfirmer visits SubscribeURL to activate an SNS HTTP subscription.
type SNSConfirmer struct {
	client *http.Client
	check  func(string) (*url.URL, error)
	log    zerolog.Logger
}

func NewSNSConfirmer(timeout time.Duration, log zerolog.Logger) *SNSConfirmer {
	return &SNSConfirmer{
		client: &http.Client{Timeout: timeout},
		check:  CheckSubscribeURL,
		log:    log.With().Str("component", "sns_confirmer").Logger(),
	}
}

// Confirm follows the subscribe link of c. Unsubscribe handshakes are only
// logged.
func (s *SNSConfirmer) Confirm(ctx context.Context, c *SNSConfirmation) error {
	if !c.Subscribe() {
		s.log.Info().Str("topic_arn", c.TopicArn).Str("type", c.Type).Msg("sns handshake ignored")
		return nil
	}
	u, err := s.check(c.SubscribeURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm sns subscription: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("confirm sns subscription: status %d", resp.StatusCode)
	}

	s.log.Info().Str("topic_arn", c.TopicArn).Msg("sns subscription confirmed")
	return nil
}
