package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/healthreport"
	"github.com/docmchurch/mailqueue/internal/queue"
)

func TestOpsRoutes_RequireJWT(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/ops/health", nil, "")
	expectStatus(t, rec, http.StatusUnauthorized)

	// API keys are for clients, not operators.
	rec = f.do(t, http.MethodGet, "/api/v1/ops/health", nil, testAPIKey)
	expectStatus(t, rec, http.StatusUnauthorized)

	viewer := f.token(t, auth.RoleViewer)
	rec = f.do(t, http.MethodGet, "/api/v1/ops/accounts", nil, viewer)
	expectStatus(t, rec, http.StatusOK)

	rec = f.do(t, http.MethodPost, "/api/v1/ops/accounts/reset", map[string]any{"all": true}, viewer)
	expectStatus(t, rec, http.StatusForbidden)
	rec = f.do(t, http.MethodPost, "/api/v1/ops/health-check", nil, viewer)
	expectStatus(t, rec, http.StatusForbidden)
}

func TestSystemHealthHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.tracker.RecordSuccess(ctx, "notify@example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Enqueue(ctx, queue.EnqueueRequest{To: "a@example.org", Subject: "s", HTMLBody: "<p>b</p>"}); err != nil {
		t.Fatal(err)
	}

	tok := f.token(t, auth.RoleOperator)
	rec := f.do(t, http.MethodGet, "/api/v1/ops/health", nil, tok)
	expectStatus(t, rec, http.StatusOK)

	var snap healthreport.SystemHealth
	decodeBody(t, rec, &snap)
	if snap.Score != 100 || snap.Status != healthreport.StatusExcellent || !snap.CanSend {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if len(snap.Accounts) != 2 || snap.Statistics.HourlyCapacity != 150 {
		t.Errorf("unexpected accounts %+v / %+v", snap.Accounts, snap.Statistics)
	}
	if snap.Queue != nil || snap.RecentFailures != nil {
		t.Error("optional sections should be omitted by default")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/ops/health?includeQueue=true&window=2h", nil, tok)
	expectStatus(t, rec, http.StatusOK)
	snap = healthreport.SystemHealth{}
	decodeBody(t, rec, &snap)
	if snap.Queue == nil || snap.Queue.Counts[queue.StatusPending] != 1 || snap.Queue.Window != "2h0m0s" {
		t.Errorf("unexpected queue section %+v", snap.Queue)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/ops/health?window=soon", nil, tok)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestSystemHealthHandler_IncludeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.failures.Add(ctx, account.Failure{
			Timestamp: time.Now(),
			Account:   "news@example.org",
			Kind:      "rejected",
			Error:     "550 rejected",
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/ops/health?includeErrors=1&limit=2", nil, f.token(t, auth.RoleAdmin))
	expectStatus(t, rec, http.StatusOK)

	var snap healthreport.SystemHealth
	decodeBody(t, rec, &snap)
	if len(snap.RecentFailures) != 2 {
		t.Errorf("expected 2 recent failures, got %d", len(snap.RecentFailures))
	}
}

func TestAccountsHandler(t *testing.T) {
	f := newFixture(t)
	if err := f.tracker.RecordFailure(context.Background(), "news@example.org", "timeout"); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/ops/accounts", nil, f.token(t, auth.RoleOperator))
	expectStatus(t, rec, http.StatusOK)

	var resp struct {
		Accounts   []healthreport.AccountHealth `json:"accounts"`
		Statistics healthreport.Statistics      `json:"statistics"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(resp.Accounts))
	}
	if resp.Accounts[1].Account != "news@example.org" || resp.Accounts[1].ConsecutiveFailures != 1 {
		t.Errorf("unexpected account %+v", resp.Accounts[1])
	}
	if resp.Statistics.TotalFailed != 1 {
		t.Errorf("expected 1 total failure, got %d", resp.Statistics.TotalFailed)
	}
}

func TestFailuresHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, kind := range []string{"timeout", "rejected"} {
		if err := f.failures.Add(ctx, account.Failure{Timestamp: time.Now(), Account: "notify@example.org", Kind: kind}); err != nil {
			t.Fatal(err)
		}
	}
	tok := f.token(t, auth.RoleViewer)

	rec := f.do(t, http.MethodGet, "/api/v1/ops/failures", nil, tok)
	expectStatus(t, rec, http.StatusOK)
	var resp struct {
		Failures []account.Failure `json:"failures"`
		Count    int               `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 2 || len(resp.Failures) != 2 {
		t.Fatalf("unexpected failures response %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/ops/failures?limit=0", nil, tok)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestQueueStatsHandler(t *testing.T) {
	f := newFixture(t)
	f.sent(t, "notify@example.org", "ref-1")

	tok := f.token(t, auth.RoleOperator)
	rec := f.do(t, http.MethodGet, "/api/v1/ops/queue?window=7d", nil, tok)
	expectStatus(t, rec, http.StatusOK)

	var stats healthreport.QueueStatistics
	decodeBody(t, rec, &stats)
	if stats.Total != 1 || stats.Counts[queue.StatusSent] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Window != (7 * 24 * time.Hour).String() {
		t.Errorf("unexpected window %q", stats.Window)
	}
	if age := time.Since(stats.Since); age < 7*24*time.Hour-time.Minute {
		t.Errorf("since %v is inside the window", stats.Since)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := f.tracker.RecordFailure(ctx, "news@example.org", "timeout"); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/v1/ops/health-check", nil, f.token(t, auth.RoleOperator))
	expectStatus(t, rec, http.StatusOK)

	var res account.CheckResult
	decodeBody(t, rec, &res)
	if res.Total != 2 || res.Healthy != 1 || res.Unhealthy != 1 {
		t.Errorf("unexpected check result %+v", res)
	}
}

func TestResetAccountsHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.token(t, auth.RoleAdmin)

	fail := func() {
		t.Helper()
		for _, addr := range []string{"notify@example.org", "news@example.org"} {
			for i := 0; i < 5; i++ {
				if err := f.tracker.RecordFailure(ctx, addr, "timeout"); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	healthy := func(addr string) bool {
		t.Helper()
		h, err := f.tracker.GetHealth(ctx, addr)
		if err != nil {
			t.Fatal(err)
		}
		return h.IsHealthy
	}

	fail()
	rec := f.do(t, http.MethodPost, "/api/v1/ops/accounts/reset", map[string]any{"account": "NEWS@example.org"}, tok)
	expectStatus(t, rec, http.StatusOK)
	if !healthy("news@example.org") || healthy("notify@example.org") {
		t.Error("expected only news@ to be reset")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/ops/accounts/reset", map[string]any{"all": true}, tok)
	expectStatus(t, rec, http.StatusOK)
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["account"] != "all" || !healthy("notify@example.org") {
		t.Errorf("expected every account reset, got %v", resp)
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "unknown account", body: map[string]any{"account": "ghost@example.org"}, want: http.StatusNotFound},
		{name: "neither", body: map[string]any{}, want: http.StatusBadRequest},
		{name: "both", body: map[string]any{"account": "news@example.org", "all": true}, want: http.StatusBadRequest},
		{name: "bad json", body: "{", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/ops/accounts/reset", tt.body, tok)
			expectStatus(t, rec, tt.want)
		})
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "90m", want: 90 * time.Minute},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "0d", wantErr: true},
		{in: "-1h", wantErr: true},
		{in: "xd", wantErr: true},
		{in: "week", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseWindow(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWindow(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseWindow(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 10},
		{in: "5", want: 5},
		{in: "1000", want: maxFailureLimit},
		{in: "0", wantErr: true},
		{in: "ten", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLimit(tt.in, 10)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLimit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
