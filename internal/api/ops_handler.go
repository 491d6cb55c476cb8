package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/healthreport"
	"github.com/docmchurch/mailqueue/internal/logger"
)

// maxFailureLimit bounds ?limit on the failures endpoint.
const maxFailureLimit = 100

// HealthReporter is the operator-facing health surface.
type HealthReporter interface {
	GetSystemHealth(ctx context.Context, opts healthreport.SnapshotOptions) (*healthreport.SystemHealth, error)
	Accounts(ctx context.Context) ([]healthreport.AccountHealth, healthreport.Statistics, error)
	GetQueueStatistics(ctx context.Context, window time.Duration) (*healthreport.QueueStatistics, error)
	PerformHealthCheck(ctx context.Context) (account.CheckResult, error)
	ResetAccountHealth(ctx context.Context, address string) error
	ResetAll(ctx context.Context) error
	RecentFailures(ctx context.Context, n int) ([]account.Failure, error)
}

// SystemHealthHandler handles GET /api/v1/ops/health.
func SystemHealthHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		window, err := parseWindow(q.Get("window"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid window")
			return
		}
		limit, err := parseLimit(q.Get("limit"), healthreport.DefaultFailureLimit)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}

		snap, err := reporter.GetSystemHealth(r.Context(), healthreport.SnapshotOptions{
			IncludeQueue:  parseBool(q.Get("includeQueue")),
			IncludeErrors: parseBool(q.Get("includeErrors")),
			Window:        window,
			ErrorLimit:    limit,
		})
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, snap)
	}
}

// AccountsHandler handles GET /api/v1/ops/accounts.
func AccountsHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, stats, err := reporter.Accounts(r.Context())
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"accounts":   accounts,
			"statistics": stats,
		})
	}
}

// FailuresHandler handles GET /api/v1/ops/failures?limit=.
func FailuresHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r.URL.Query().Get("limit"), healthreport.DefaultFailureLimit)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		failures, err := reporter.RecentFailures(r.Context(), limit)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"failures": failures,
			"count":    len(failures),
		})
	}
}

// QueueStatsHandler handles GET /api/v1/ops/queue?window=.
func QueueStatsHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := parseWindow(r.URL.Query().Get("window"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid window")
			return
		}
		stats, err := reporter.GetQueueStatistics(r.Context(), window)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, stats)
	}
}

// HealthCheckHandler handles POST /api/v1/ops/health-check.
func HealthCheckHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := reporter.PerformHealthCheck(r.Context())
		if err != nil {
			respondDomainError(w, r, err)
			return
		}

		log := logger.FromContext(r.Context())
		log.Info().
			Str("operator", auth.SubjectFromContext(r.Context())).
			Int("healthy", res.Healthy).
			Int("unhealthy", res.Unhealthy).
			Msg("health check triggered")
		respondJSON(w, http.StatusOK, res)
	}
}

type resetRequest struct {
	Account string `json:"account"`
	All     bool   `json:"all"`
}

// ResetAccountsHandler handles POST /api/v1/ops/accounts/reset with either
// {"account": "..."} or {"all": true}.
func ResetAccountsHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.All == (req.Account != "") {
			respondError(w, http.StatusBadRequest, `specify exactly one of "account" or "all"`)
			return
		}

		var err error
		if req.All {
			err = reporter.ResetAll(r.Context())
		} else {
			err = reporter.ResetAccountHealth(r.Context(), req.Account)
		}
		if err != nil {
			respondDomainError(w, r, err)
			return
		}

		log := logger.FromContext(r.Context())
		log.Info().
			Str("operator", auth.SubjectFromContext(r.Context())).
			Str("account", req.Account).
			Bool("all", req.All).
			Msg("account health reset")

		target := req.Account
		if req.All {
			target = "all"
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "account": target})
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// parseWindow accepts Go durations plus a whole-day form such as "7d".
// Empty selects the default window.
func parseWindow(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, strconv.ErrSyntax
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, strconv.ErrSyntax
	}
	return d, nil
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, strconv.ErrSyntax
	}
	return min(n, maxFailureLimit), nil
}
