package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/metrics"
	"github.com/docmchurch/mailqueue/internal/provider"
	"github.com/docmchurch/mailqueue/internal/queue"
)

// ErrNotStarted is returned by Stop when Start was never called.
var ErrNotStarted = errors.New("dispatcher not started")

// Dispatcher claims due messages, picks a sending account and drives each
// message to sent, a scheduled retry, or failed.
type Dispatcher struct {
	store     queue.Store
	tracker   *account.Tracker
	transport provider.Provider
	failures  account.FailureLog
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	paused atomic.Bool
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. failures may be nil.
func New(
	store queue.Store,
	tracker *account.Tracker,
	transport provider.Provider,
	failures account.FailureLog,
	cfg Config,
	log zerolog.Logger,
) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:     store,
		tracker:   tracker,
		transport: transport,
		failures:  failures,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Paused reports whether claiming is suspended because no account can send.
func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

func (d *Dispatcher) setPaused(paused bool, reason string) {
	if d.paused.Swap(paused) == paused {
		return
	}
	if paused {
		metrics.DispatcherPaused.Set(1)
		d.log.Warn().Str("reason", reason).Msg("dispatch paused")
	} else {
		metrics.DispatcherPaused.Set(0)
		d.log.Info().Msg("dispatch resumed")
	}
}

// Start runs the health check once, then launches the workers and the
// periodic health loop. They run until Stop is called or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("dispatcher already started")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.runHealthCheck(ctx)

	d.wg.Add(1)
	go d.healthLoop(ctx)

	for i := range d.cfg.Workers {
		d.wg.Add(1)
		go d.runWorker(ctx, fmt.Sprintf("worker-%d", i))
	}

	d.log.Info().
		Int("worker_count", d.cfg.Workers).
		Str("transport", d.transport.GetName()).
		Msg("dispatcher started")
	return nil
}

// Stop signals the workers and waits for in-flight sends, bounded by
// ShutdownTimeout and ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		d.log.Info().Msg("dispatcher stopped gracefully")
		return nil
	case <-timer.C:
		d.log.Warn().Msg("dispatcher shutdown timed out")
		return errors.New("dispatcher shutdown timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	defer d.wg.Done()

	log := d.log.With().Str("worker", workerID).Logger()
	log.Debug().Msg("worker started")

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("worker stopping")
			return
		}
		if d.paused.Load() {
			sleep(ctx, d.cfg.IdleBackoff)
			continue
		}

		processed, err := d.ProcessOne(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("dispatch error")
			sleep(ctx, d.cfg.StoreErrorBackoff)
			continue
		}
		if !processed {
			sleep(ctx, d.cfg.IdleBackoff)
		}
	}
}

// ProcessOne claims and handles at most one message. It reports whether a
// message was claimed. Errors are store or tracker failures; transport
// failures are recorded on the message and do not surface here.
func (d *Dispatcher) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	msg, err := d.store.ClaimNext(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	log := d.log.With().
		Str("worker", workerID).
		Str("message_id", msg.ID).
		Int("attempts", msg.Attempts).
		Logger()

	// Outcome writes must land even when shutdown cancels ctx.
	bg := context.WithoutCancel(ctx)

	lease, err := d.tracker.Reserve(ctx, msg.PreferredSender)
	switch {
	case errors.Is(err, account.ErrNoCapacity):
		until := queue.NextHour(d.now())
		log.Info().Time("until", until).Msg("all accounts at hourly limit, deferring")
		metrics.MessagesProcessedTotal.WithLabelValues("deferred").Inc()
		return true, d.deferMessage(bg, msg.ID, until)

	case errors.Is(err, account.ErrNoHealthyAccounts):
		d.setPaused(true, "no healthy sending accounts")
		until := d.now().Add(d.cfg.HealthCheckInterval)
		log.Warn().Time("until", until).Msg("no healthy accounts, deferring")
		metrics.MessagesProcessedTotal.WithLabelValues("deferred").Inc()
		return true, d.deferMessage(bg, msg.ID, until)

	case err != nil:
		deferErr := d.deferMessage(bg, msg.ID, d.now().Add(d.cfg.StoreErrorBackoff))
		return true, errors.Join(fmt.Errorf("reserve account: %w", err), deferErr)
	}

	log = log.With().Str("account", lease.Account).Logger()

	sendCtx, cancel := context.WithTimeout(bg, d.cfg.SendTimeout)
	result, sendErr := d.transport.Send(sendCtx, d.outbound(msg, lease.Account))
	cancel()

	if sendErr == nil {
		ref := ""
		if result != nil {
			ref = result.ProviderMessageID
		}
		if err := lease.Succeeded(bg); err != nil {
			log.Error().Err(err).Msg("failed to record account success")
		}
		metrics.MessagesProcessedTotal.WithLabelValues("sent").Inc()
		if err := d.store.MarkSent(bg, msg.ID, lease.Account, ref); err != nil {
			return true, fmt.Errorf("mark sent %s: %w", msg.ID, err)
		}
		log.Info().Str("provider_ref", ref).Msg("message sent")
		return true, nil
	}

	return true, d.handleFailure(bg, log, msg, lease, sendErr)
}

func (d *Dispatcher) handleFailure(ctx context.Context, log zerolog.Logger, msg *queue.Message, lease *account.Lease, sendErr error) error {
	kind := provider.Classify(sendErr)
	retryable := kind.Retryable()
	metrics.TransportErrorsTotal.WithLabelValues(string(kind)).Inc()

	if err := lease.Failed(ctx, string(kind)); err != nil {
		log.Error().Err(err).Msg("failed to record account failure")
	}
	if d.failures != nil {
		if err := d.failures.Add(ctx, account.Failure{
			Timestamp: d.now(),
			Account:   lease.Account,
			MessageID: msg.ID,
			Kind:      string(kind),
			Retryable: retryable,
			Error:     sendErr.Error(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to log failure")
		}
	}

	updated, err := d.store.MarkFailed(ctx, msg.ID, queue.Failure{
		Sender:    lease.Account,
		Kind:      string(kind),
		Retryable: retryable,
		Error:     sendErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", msg.ID, err)
	}

	if updated.Status == queue.StatusPending {
		metrics.MessagesProcessedTotal.WithLabelValues("retry").Inc()
		log.Warn().
			Err(sendErr).
			Str("error_kind", string(kind)).
			Int("attempts", updated.Attempts).
			Dur("backoff", updated.NextAttemptAt.Sub(d.now())).
			Msg("delivery failed, retry scheduled")
		return nil
	}

	metrics.MessagesProcessedTotal.WithLabelValues("failed").Inc()
	log.Error().
		Err(sendErr).
		Str("error_kind", string(kind)).
		Bool("retryable", retryable).
		Int("attempts", updated.Attempts).
		Msg("delivery failed permanently")
	return nil
}

func (d *Dispatcher) deferMessage(ctx context.Context, id string, until time.Time) error {
	if err := d.store.Defer(ctx, id, until); err != nil {
		return fmt.Errorf("defer %s: %w", id, err)
	}
	return nil
}

// outbound builds the transport message for one attempt from account.
func (d *Dispatcher) outbound(msg *queue.Message, from string) *provider.Message {
	headers := map[string]string{"X-Mailqueue-Id": msg.ID}
	if msg.CorrelationID != "" {
		headers["X-Correlation-Id"] = msg.CorrelationID
	}

	htmlBody := msg.HTMLBody
	if d.cfg.TrackingBaseURL != "" && msg.TrackOpens() {
		htmlBody = withTrackingPixel(htmlBody, d.cfg.TrackingBaseURL, msg.ID)
	}

	return &provider.Message{
		ID:       msg.ID,
		From:     from,
		To:       msg.To,
		Subject:  msg.Subject,
		TextBody: msg.TextBody,
		HTMLBody: htmlBody,
		Headers:  headers,
	}
}

func (d *Dispatcher) healthLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runHealthCheck(ctx)
		}
	}
}

// runHealthCheck re-evaluates accounts, updates the pause flag, recovers
// stale claims and refreshes queue depth gauges.
func (d *Dispatcher) runHealthCheck(ctx context.Context) {
	if _, err := d.tracker.PerformHealthCheck(ctx); err != nil {
		d.log.Error().Err(err).Msg("account health check failed")
	}

	ok, reason, err := d.tracker.CanSend(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("can-send check failed")
	} else {
		d.setPaused(!ok, reason)
	}

	if d.cfg.StaleClaimTimeout > 0 {
		n, err := d.store.RequeueStale(ctx, d.now().Add(-d.cfg.StaleClaimTimeout))
		if err != nil {
			d.log.Error().Err(err).Msg("requeue stale claims failed")
		} else if n > 0 {
			d.log.Warn().Int("count", n).Msg("requeued stale claims")
		}
	}

	counts, err := d.store.CountByStatus(ctx, time.Time{})
	if err != nil {
		d.log.Error().Err(err).Msg("queue depth query failed")
		return
	}
	for _, s := range queue.AllStatuses {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
