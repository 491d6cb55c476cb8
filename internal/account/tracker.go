package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/metrics"
)

var errSkip = errors.New("account not eligible")

// Tracker owns the health and hourly usage of every registered account
// and chooses which one sends next.
type Tracker struct {
	registry   *Registry
	store      HealthStore
	thresholds Thresholds
	log        zerolog.Logger
	now        func() time.Time
}

// NewTracker creates a Tracker over the registry's accounts.
func NewTracker(registry *Registry, store HealthStore, thresholds Thresholds, log zerolog.Logger) *Tracker {
	return &Tracker{
		registry:   registry,
		store:      store,
		thresholds: thresholds,
		log:        log,
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Registry returns the account registry the tracker was built with.
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// Thresholds returns the health policy in effect.
func (t *Tracker) Thresholds() Thresholds {
	return t.thresholds
}

// update loads, lazily initializes and rebases the account's record, then
// applies fn and recomputes health.
func (t *Tracker) update(ctx context.Context, address string, fn func(rec *HealthRecord, now time.Time) error) (HealthRecord, error) {
	acct, ok := t.registry.Lookup(address)
	if !ok {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}

	rec, err := t.store.Update(ctx, acct.Address, func(rec *HealthRecord, found bool) error {
		now := t.now()
		if !found {
			initRecord(rec, acct.Address, now)
		}
		rebase(rec, now)
		if fn != nil {
			if err := fn(rec, now); err != nil {
				return err
			}
		}
		t.thresholds.evaluate(rec)
		return nil
	})
	if err != nil {
		return HealthRecord{}, err
	}

	metrics.AccountHourlyCount.WithLabelValues(rec.Account).Set(float64(rec.HourlyCount))
	if rec.IsHealthy {
		metrics.AccountHealthy.WithLabelValues(rec.Account).Set(1)
	} else {
		metrics.AccountHealthy.WithLabelValues(rec.Account).Set(0)
	}
	return rec, nil
}

// GetHealth returns the account's record, creating a healthy zeroed one
// on first access.
func (t *Tracker) GetHealth(ctx context.Context, address string) (HealthRecord, error) {
	acct, ok := t.registry.Lookup(address)
	if !ok {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}

	rec, found, err := t.store.Get(ctx, acct.Address)
	if err != nil {
		return HealthRecord{}, err
	}
	if !found {
		return t.update(ctx, acct.Address, nil)
	}

	// Reads roll the window forward on a copy; the next write persists it.
	rebase(&rec, t.now())
	t.thresholds.evaluate(&rec)
	return rec, nil
}

// All returns the records of every registered account in registry order.
func (t *Tracker) All(ctx context.Context) ([]HealthRecord, error) {
	accounts := t.registry.ListAccounts()
	out := make([]HealthRecord, 0, len(accounts))
	for _, a := range accounts {
		rec, err := t.GetHealth(ctx, a.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordSuccess counts a successful send against the account.
func (t *Tracker) RecordSuccess(ctx context.Context, address string) error {
	_, err := t.update(ctx, address, func(rec *HealthRecord, now time.Time) error {
		applySuccess(rec, now)
		return nil
	})
	return err
}

// RecordFailure counts a failed send against the account.
func (t *Tracker) RecordFailure(ctx context.Context, address, kind string) error {
	rec, err := t.update(ctx, address, func(rec *HealthRecord, now time.Time) error {
		applyFailure(rec, kind, now)
		return nil
	})
	if err != nil {
		return err
	}
	if !rec.IsHealthy {
		t.log.Warn().
			Str("account", rec.Account).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Float64("success_rate", rec.SuccessRate()).
			Msg("sending account marked unhealthy")
	}
	return nil
}

func applySuccess(rec *HealthRecord, now time.Time) {
	rec.TotalSent++
	rec.HourlyCount++
	rec.ConsecutiveFailures = 0
	rec.LastUsed = now
}

func applyFailure(rec *HealthRecord, kind string, now time.Time) {
	rec.TotalFailed++
	rec.ConsecutiveFailures++
	rec.LastUsed = now
	rec.LastFailure = now
	rec.LastFailureKind = kind
}

// ResetAccountHealth zeroes the account's counters and marks it healthy.
func (t *Tracker) ResetAccountHealth(ctx context.Context, address string) error {
	_, err := t.update(ctx, address, func(rec *HealthRecord, now time.Time) error {
		resetRecord(rec)
		return nil
	})
	if err == nil {
		t.log.Info().Str("account", address).Msg("account health reset")
	}
	return err
}

// ResetAll resets every registered account.
func (t *Tracker) ResetAll(ctx context.Context) error {
	for _, a := range t.registry.ListAccounts() {
		if err := t.ResetAccountHealth(ctx, a.Address); err != nil {
			return err
		}
	}
	return nil
}

// resetRecord keeps in-flight reservations so the hourly cap still holds
// for sends that are already underway.
func resetRecord(rec *HealthRecord) {
	rec.TotalSent = 0
	rec.TotalFailed = 0
	rec.ConsecutiveFailures = 0
	rec.HourlyCount = 0
	rec.LastFailure = time.Time{}
	rec.LastFailureKind = ""
	rec.IsHealthy = true
}

// CanSend reports whether at least one account could be selected. When it
// cannot, the reason names why.
func (t *Tracker) CanSend(ctx context.Context) (bool, string, error) {
	if t.registry.Len() == 0 {
		return false, "no sending accounts configured", nil
	}
	records, err := t.All(ctx)
	if err != nil {
		return false, "", err
	}
	for _, rec := range records {
		if rec.IsHealthy {
			return true, "", nil
		}
	}
	return false, "no healthy sending accounts", nil
}

// CheckResult summarizes a PerformHealthCheck pass.
type CheckResult struct {
	Total     int      `json:"total"`
	Healthy   int      `json:"healthy"`
	Unhealthy int      `json:"unhealthy"`
	Recovered []string `json:"recovered,omitempty"`
}

// PerformHealthCheck re-evaluates every account, rolling hourly windows
// forward and applying auto-recovery when configured.
func (t *Tracker) PerformHealthCheck(ctx context.Context) (CheckResult, error) {
	var res CheckResult
	for _, a := range t.registry.ListAccounts() {
		recovered := false
		rec, err := t.update(ctx, a.Address, func(rec *HealthRecord, now time.Time) error {
			recovered = false
			if t.thresholds.AutoRecoverAfter <= 0 || rec.IsHealthy || rec.LastFailure.IsZero() {
				return nil
			}
			if now.Sub(rec.LastFailure) >= t.thresholds.AutoRecoverAfter {
				resetRecord(rec)
				recovered = true
			}
			return nil
		})
		if err != nil {
			return CheckResult{}, err
		}

		res.Total++
		if rec.IsHealthy {
			res.Healthy++
		} else {
			res.Unhealthy++
		}
		if recovered {
			res.Recovered = append(res.Recovered, rec.Account)
			t.log.Info().Str("account", rec.Account).Msg("account auto-recovered")
		}
	}

	t.log.Debug().
		Int("healthy", res.Healthy).
		Int("unhealthy", res.Unhealthy).
		Msg("account health check complete")
	return res, nil
}

// Lease is a reserved unit of an account's hourly capacity. Exactly one of
// Succeeded, Failed or Release must be called.
type Lease struct {
	Account string
	window  time.Time
	limit   int
	tracker *Tracker
}

// Reserve picks the healthy account with the lowest hourly utilization and
// reserves one send against its limit. A preferred sender is used when it
// is healthy and has headroom.
func (t *Tracker) Reserve(ctx context.Context, preferred string) (*Lease, error) {
	records, err := t.All(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		rec   HealthRecord
		limit int
		order int
	}
	var candidates []candidate
	anyHealthy := false
	for i, rec := range records {
		if !rec.IsHealthy {
			continue
		}
		anyHealthy = true
		acct, _ := t.registry.Lookup(rec.Account)
		if rec.HourlyCount+rec.Reserved >= acct.HourlyLimit {
			continue
		}
		candidates = append(candidates, candidate{rec: rec, limit: acct.HourlyLimit, order: i})
	}
	if !anyHealthy {
		return nil, ErrNoHealthyAccounts
	}

	pref := normalize(preferred)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pref != "" && (a.rec.Account == pref) != (b.rec.Account == pref) {
			return a.rec.Account == pref
		}
		ua := float64(a.rec.HourlyCount+a.rec.Reserved) / float64(a.limit)
		ub := float64(b.rec.HourlyCount+b.rec.Reserved) / float64(b.limit)
		if ua != ub {
			return ua < ub
		}
		return a.order < b.order
	})

	for _, c := range candidates {
		lease, err := t.reserve(ctx, c.rec.Account, c.limit)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return lease, nil
	}
	return nil, ErrNoCapacity
}

// reserve re-checks eligibility inside the atomic update, since another
// dispatcher may have taken the last slot since the snapshot.
func (t *Tracker) reserve(ctx context.Context, address string, limit int) (*Lease, error) {
	rec, err := t.update(ctx, address, func(rec *HealthRecord, now time.Time) error {
		if !rec.IsHealthy || rec.HourlyCount+rec.Reserved >= limit {
			return errSkip
		}
		rec.Reserved++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Lease{Account: rec.Account, window: rec.HourlyWindowStart, limit: limit, tracker: t}, nil
}

// Succeeded converts the reservation into a counted send. A send reserved
// in an earlier window only counts against the current one while it still
// has headroom; otherwise it stays attributed to the window it was taken in.
func (l *Lease) Succeeded(ctx context.Context) error {
	_, err := l.tracker.update(ctx, l.Account, func(rec *HealthRecord, now time.Time) error {
		rolled := l.release(rec)
		count := rec.HourlyCount
		applySuccess(rec, now)
		if rolled && count+rec.Reserved >= l.limit {
			rec.HourlyCount = count
		}
		return nil
	})
	return err
}

// Failed releases the reservation and counts a failure.
func (l *Lease) Failed(ctx context.Context, kind string) error {
	rec, err := l.tracker.update(ctx, l.Account, func(rec *HealthRecord, now time.Time) error {
		l.release(rec)
		applyFailure(rec, kind, now)
		return nil
	})
	if err == nil && !rec.IsHealthy {
		l.tracker.log.Warn().
			Str("account", rec.Account).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Float64("success_rate", rec.SuccessRate()).
			Msg("sending account marked unhealthy")
	}
	return err
}

// Release returns the reservation without recording an outcome.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.tracker.update(ctx, l.Account, func(rec *HealthRecord, now time.Time) error {
		l.release(rec)
		return nil
	})
	return err
}

// release drops the reservation and reports whether the hourly window
// rolled over since it was taken, in which case the rollover already did.
func (l *Lease) release(rec *HealthRecord) bool {
	if !rec.HourlyWindowStart.Equal(l.window) {
		return true
	}
	if rec.Reserved > 0 {
		rec.Reserved--
	}
	return false
}
