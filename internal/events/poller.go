package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/queue"
)

// PollerConfig configures the SES notification poller.
type PollerConfig struct {
	QueueURL string
	Region   string
	// WaitTime is the SQS long-poll duration in seconds.
	WaitTime          int32
	MaxMessages       int32
	VisibilityTimeout int32
	ErrorBackoff      time.Duration
}

// SQSPoller consumes SES bounce, complaint and delivery notifications that
// SNS publishes into an SQS queue, and records them as delivery events.
type SQSPoller struct {
	client   sqsAPI
	recorder *Recorder
	cfg      PollerConfig
	log      zerolog.Logger
}

// NewSQSPoller creates a poller backed by the AWS SDK.
func NewSQSPoller(ctx context.Context, recorder *Recorder, cfg PollerConfig, log zerolog.Logger) (*SQSPoller, error) {
	client, err := newAWSSQSClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	return newSQSPoller(client, recorder, cfg, log), nil
}

func newSQSPoller(client sqsAPI, recorder *Recorder, cfg PollerConfig, log zerolog.Logger) *SQSPoller {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &SQSPoller{
		client:   client,
		recorder: recorder,
		cfg:      cfg,
		log:      log.With().Str("component", "ses_poller").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (p *SQSPoller) Run(ctx context.Context) error {
	p.log.Info().Str("queue_url", p.cfg.QueueURL).Msg("ses notification poller started")
	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("ses notification poller stopping")
			return nil
		}
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Error().Err(err).Msg("sqs receive failed")
			t := time.NewTimer(p.cfg.ErrorBackoff)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

// PollOnce receives one batch and handles each message. It returns the
// number of messages deleted from the queue.
func (p *SQSPoller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqsReceiveInput{
		QueueURL:            p.cfg.QueueURL,
		MaxNumberOfMessages: p.cfg.MaxMessages,
		WaitTimeSeconds:     p.cfg.WaitTime,
		VisibilityTimeout:   p.cfg.VisibilityTimeout,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, m := range out.Messages {
		if !p.handle(ctx, m) {
			continue
		}
		if err := p.client.DeleteMessage(ctx, &sqsDeleteInput{
			QueueURL:      p.cfg.QueueURL,
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			p.log.Error().Err(err).Str("sqs_message_id", m.MessageID).Msg("failed to delete sqs message")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// handle reports whether the message is done with and can be deleted.
// Store failures leave it on the queue for redelivery.
func (p *SQSPoller) handle(ctx context.Context, m sqsReceivedMessage) bool {
	log := p.log.With().Str("sqs_message_id", m.MessageID).Logger()

	in, err := ParseSES(m.Body)
	if errors.Is(err, ErrIgnored) {
		log.Debug().Err(err).Msg("skipping notification")
		return true
	}
	if err != nil {
		log.Warn().Err(err).Msg("discarding malformed notification")
		return true
	}

	_, err = p.recorder.RecordEvent(ctx, in)
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrNotFound):
		log.Warn().Str("message_ref", in.MessageRef).Msg("notification for unknown message")
		return true
	default:
		log.Error().Err(err).Str("message_ref", in.MessageRef).Msg("failed to record notification")
		return false
	}
}
