package healthreport

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/queue"
)

// Status tiers derived from the score.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusWarning   = "warning"
	StatusCritical  = "critical"
)

const (
	// DefaultWindow is the queue statistics window when none is given.
	DefaultWindow = 24 * time.Hour
	// DefaultFailureLimit is how many recent failures a snapshot includes.
	DefaultFailureLimit = 10
)

// AccountHealth is the operator view of one sending account.
type AccountHealth struct {
	Account             string     `json:"account"`
	IsHealthy           bool       `json:"is_healthy"`
	SuccessRate         float64    `json:"success_rate"`
	TotalSent           int64      `json:"total_sent"`
	TotalFailed         int64      `json:"total_failed"`
	ConsecutiveFailures int        `json:"failure_count"`
	HourlyCount         int        `json:"hourly_count"`
	HourlyLimit         int        `json:"hourly_limit"`
	UtilizationPercent  float64    `json:"utilization_percent"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastFailureKind     string     `json:"last_failure_kind,omitempty"`
}

// Statistics aggregates account counters.
type Statistics struct {
	TotalAccounts      int     `json:"total_accounts"`
	HealthyAccounts    int     `json:"healthy_accounts"`
	UnhealthyAccounts  int     `json:"unhealthy_accounts"`
	HourlyCapacity     int     `json:"hourly_capacity"`
	CurrentUtilization int     `json:"current_utilization"`
	TotalSent          int64   `json:"total_sent"`
	TotalFailed        int64   `json:"total_failed"`
	SuccessRate        float64 `json:"success_rate"`
	AvgSuccessRate     float64 `json:"avg_success_rate"`
}

// Limits echoes the configured health policy.
type Limits struct {
	ConsecutiveFailureThreshold int     `json:"consecutive_failure_threshold"`
	SuccessRateFloor            float64 `json:"success_rate_floor"`
	MinSampleSize               int64   `json:"min_sample_size"`
	TotalHourlyLimit            int     `json:"total_hourly_limit"`
}

// QueueStatistics counts messages created within a window.
type QueueStatistics struct {
	Window string             `json:"window"`
	Since  time.Time          `json:"since"`
	Counts queue.StatusCounts `json:"counts"`
	Total  int                `json:"total"`
}

// SystemHealth is a point-in-time snapshot. It is recomputed on every call.
type SystemHealth struct {
	Score          int               `json:"score"`
	Status         string            `json:"status"`
	CanSend        bool              `json:"can_send"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Accounts       []AccountHealth   `json:"accounts"`
	Statistics     Statistics        `json:"statistics"`
	Limits         Limits            `json:"limits"`
	Queue          *QueueStatistics  `json:"queue,omitempty"`
	RecentFailures []account.Failure `json:"recent_failures,omitempty"`
}

// SnapshotOptions selects the optional parts of a snapshot.
type SnapshotOptions struct {
	IncludeQueue  bool
	IncludeErrors bool
	Window        time.Duration
	ErrorLimit    int
}

// Reporter builds health snapshots and exposes the operator actions.
type Reporter struct {
	tracker  *account.Tracker
	store    queue.Store
	failures account.FailureLog
	log      zerolog.Logger
	now      func() time.Time
}

// NewReporter creates a Reporter. failures may be nil.
func NewReporter(tracker *account.Tracker, store queue.Store, failures account.FailureLog, log zerolog.Logger) *Reporter {
	return &Reporter{
		tracker:  tracker,
		store:    store,
		failures: failures,
		log:      log,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (r *Reporter) SetClock(now func() time.Time) {
	r.now = now
}

// GetSystemHealth computes the score, tier and per-account breakdown.
func (r *Reporter) GetSystemHealth(ctx context.Context, opts SnapshotOptions) (*SystemHealth, error) {
	accounts, stats, err := r.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	canSend, reason, err := r.tracker.CanSend(ctx)
	if err != nil {
		return nil, fmt.Errorf("can send: %w", err)
	}

	healthyRatio := 0.0
	if stats.TotalAccounts > 0 {
		healthyRatio = float64(stats.HealthyAccounts) / float64(stats.TotalAccounts)
	}
	score := Score(healthyRatio, stats.AvgSuccessRate, canSend)

	th := r.tracker.Thresholds()
	snap := &SystemHealth{
		Score:      score,
		Status:     Tier(score),
		CanSend:    canSend,
		Reason:     reason,
		Timestamp:  r.now().UTC(),
		Accounts:   accounts,
		Statistics: stats,
		Limits: Limits{
			ConsecutiveFailureThreshold: th.ConsecutiveFailures,
			SuccessRateFloor:            th.SuccessRateFloor,
			MinSampleSize:               th.MinSampleSize,
			TotalHourlyLimit:            r.tracker.Registry().TotalHourlyCapacity(),
		},
	}

	if opts.IncludeQueue {
		qs, err := r.GetQueueStatistics(ctx, opts.Window)
		if err != nil {
			return nil, err
		}
		snap.Queue = qs
	}
	if opts.IncludeErrors {
		failures, err := r.RecentFailures(ctx, opts.ErrorLimit)
		if err != nil {
			return nil, err
		}
		snap.RecentFailures = failures
	}
	return snap, nil
}

// Accounts returns the per-account breakdown and its aggregate.
func (r *Reporter) Accounts(ctx context.Context) ([]AccountHealth, Statistics, error) {
	records, err := r.tracker.All(ctx)
	if err != nil {
		return nil, Statistics{}, fmt.Errorf("account health: %w", err)
	}

	registry := r.tracker.Registry()
	out := make([]AccountHealth, 0, len(records))
	var stats Statistics
	var rateSum float64

	for _, rec := range records {
		acct, _ := registry.Lookup(rec.Account)
		ah := AccountHealth{
			Account:             rec.Account,
			IsHealthy:           rec.IsHealthy,
			SuccessRate:         round2(rec.SuccessRate()),
			TotalSent:           rec.TotalSent,
			TotalFailed:         rec.TotalFailed,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			HourlyCount:         rec.HourlyCount,
			HourlyLimit:         acct.HourlyLimit,
			LastUsed:            timePtr(rec.LastUsed),
			LastFailure:         timePtr(rec.LastFailure),
			LastFailureKind:     rec.LastFailureKind,
		}
		if acct.HourlyLimit > 0 {
			ah.UtilizationPercent = round2(float64(rec.HourlyCount) / float64(acct.HourlyLimit) * 100)
		}
		out = append(out, ah)

		stats.TotalAccounts++
		if rec.IsHealthy {
			stats.HealthyAccounts++
			stats.HourlyCapacity += acct.HourlyLimit
		} else {
			stats.UnhealthyAccounts++
		}
		stats.CurrentUtilization += rec.HourlyCount
		stats.TotalSent += rec.TotalSent
		stats.TotalFailed += rec.TotalFailed
		rateSum += rec.SuccessRate()
	}

	stats.AvgSuccessRate = 100
	if stats.TotalAccounts > 0 {
		stats.AvgSuccessRate = round2(rateSum / float64(stats.TotalAccounts))
	}
	stats.SuccessRate = 100
	if total := stats.TotalSent + stats.TotalFailed; total > 0 {
		stats.SuccessRate = round2(float64(stats.TotalSent) / float64(total) * 100)
	}
	return out, stats, nil
}

// GetQueueStatistics counts messages created within window of now.
func (r *Reporter) GetQueueStatistics(ctx context.Context, window time.Duration) (*QueueStatistics, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	since := r.now().Add(-window)
	counts, err := r.store.CountByStatus(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("queue statistics: %w", err)
	}
	for _, s := range queue.AllStatuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return &QueueStatistics{
		Window: window.String(),
		Since:  since.UTC(),
		Counts: counts,
		Total:  counts.Total(),
	}, nil
}

// PerformHealthCheck re-evaluates every account.
func (r *Reporter) PerformHealthCheck(ctx context.Context) (account.CheckResult, error) {
	res, err := r.tracker.PerformHealthCheck(ctx)
	if err != nil {
		return account.CheckResult{}, err
	}
	r.log.Info().
		Int("healthy", res.Healthy).
		Int("unhealthy", res.Unhealthy).
		Strs("recovered", res.Recovered).
		Msg("manual health check")
	return res, nil
}

// ResetAccountHealth clears one account's counters.
func (r *Reporter) ResetAccountHealth(ctx context.Context, address string) error {
	return r.tracker.ResetAccountHealth(ctx, address)
}

// ResetAll clears every account's counters.
func (r *Reporter) ResetAll(ctx context.Context) error {
	return r.tracker.ResetAll(ctx)
}

// RecentFailures returns up to n failures, newest first.
func (r *Reporter) RecentFailures(ctx context.Context, n int) ([]account.Failure, error) {
	if r.failures == nil {
		return []account.Failure{}, nil
	}
	if n <= 0 {
		n = DefaultFailureLimit
	}
	entries, err := r.failures.Recent(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	out := make([]account.Failure, len(entries))
	for i, f := range entries {
		out[len(entries)-1-i] = f
	}
	return out, nil
}

// Score combines healthy ratio (40%), average success rate (40%) and the
// ability to send (20%) into a value in [0, 100].
func Score(healthyRatio, avgSuccessRate float64, canSend bool) int {
	healthyRatio = clamp(healthyRatio, 0, 1)
	rate := clamp(avgSuccessRate, 0, 100) / 100
	send := 0.0
	if canSend {
		send = 1
	}
	return int(math.Round(100 * (0.4*healthyRatio + 0.4*rate + 0.2*send)))
}

// Tier maps a score to its status label.
func Tier(score int) string {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 70:
		return StatusGood
	case score >= 50:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
