package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownAccount is returned for addresses not in the registry.
	ErrUnknownAccount = errors.New("unknown sending account")
	// ErrNoHealthyAccounts is returned by Reserve when every account is unhealthy
	// or none are configured.
	ErrNoHealthyAccounts = errors.New("no healthy sending accounts")
	// ErrNoCapacity is returned by Reserve when every healthy account has
	// reached its hourly limit.
	ErrNoCapacity = errors.New("all healthy sending accounts are at their hourly limit")
)

// HealthRecord is the mutable health and usage state of one account.
type HealthRecord struct {
	Account             string    `json:"account"`
	IsHealthy           bool      `json:"is_healthy"`
	TotalSent           int64     `json:"total_sent"`
	TotalFailed         int64     `json:"total_failed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HourlyCount         int       `json:"hourly_count"`
	HourlyWindowStart   time.Time `json:"hourly_window_start"`
	Reserved            int       `json:"reserved"`
	LastUsed            time.Time `json:"last_used,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastFailureKind     string    `json:"last_failure_kind,omitempty"`
}

// SuccessRate is sent / (sent + failed) as a percentage. An account with
// no history reports 100.
func (h HealthRecord) SuccessRate() float64 {
	total := h.TotalSent + h.TotalFailed
	if total == 0 {
		return 100
	}
	return float64(h.TotalSent) / float64(total) * 100
}

// Total returns the number of recorded outcomes.
func (h HealthRecord) Total() int64 {
	return h.TotalSent + h.TotalFailed
}

// HealthStore persists health records. Update must apply fn atomically
// with respect to other Updates of the same account. found is false when
// no record exists yet; fn then receives a zero record to initialize.
type HealthStore interface {
	Update(ctx context.Context, account string, fn func(rec *HealthRecord, found bool) error) (HealthRecord, error)
	Get(ctx context.Context, account string) (HealthRecord, bool, error)
}

// Thresholds controls when an account is considered unhealthy.
type Thresholds struct {
	// ConsecutiveFailures marks an account unhealthy when reached.
	ConsecutiveFailures int
	// SuccessRateFloor is the minimum success percentage once MinSampleSize
	// outcomes have been recorded.
	SuccessRateFloor float64
	MinSampleSize    int64
	// AutoRecoverAfter clears an unhealthy account during a health check
	// when its last failure is older than this. Zero disables it.
	AutoRecoverAfter time.Duration
}

// DefaultThresholds returns the standard health policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConsecutiveFailures: 5,
		SuccessRateFloor:    50,
		MinSampleSize:       10,
		AutoRecoverAfter:    time.Hour,
	}
}

// evaluate recomputes IsHealthy from the counters.
func (t Thresholds) evaluate(rec *HealthRecord) {
	unhealthy := rec.ConsecutiveFailures >= t.ConsecutiveFailures ||
		(rec.Total() >= t.MinSampleSize && rec.SuccessRate() < t.SuccessRateFloor)
	rec.IsHealthy = !unhealthy
}

// windowStart returns the hourly window containing now.
func windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

// rebase rolls the hourly window forward when the hour has changed.
// Reservations from an old window are dropped with it.
func rebase(rec *HealthRecord, now time.Time) {
	ws := windowStart(now)
	if rec.HourlyWindowStart.Before(ws) {
		rec.HourlyWindowStart = ws
		rec.HourlyCount = 0
		rec.Reserved = 0
	}
}

func initRecord(rec *HealthRecord, account string, now time.Time) {
	*rec = HealthRecord{
		Account:           account,
		IsHealthy:         true,
		HourlyWindowStart: windowStart(now),
	}
}
