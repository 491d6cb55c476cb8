package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCurrentMinute(t *testing.T) {
	ts := time.Date(2026, 10, 17, 15, 4, 59, 0, time.UTC)
	if got := currentMinute(ts); got != "202610171504" {
		t.Errorf("currentMinute() = %q", got)
	}
}

func TestSecondsToNextMinute(t *testing.T) {
	tests := []struct {
		at   time.Time
		want int
	}{
		{at: time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC), want: 45},
		{at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), want: 60},
		{at: time.Date(2026, 1, 1, 0, 0, 59, 900_000_000, time.UTC), want: 1},
	}
	for _, tt := range tests {
		if got := secondsToNextMinute(tt.at); got != tt.want {
			t.Errorf("secondsToNextMinute(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	for _, rl := range []*RateLimiter{nil, NewRateLimiter(nil, 10)} {
		remaining, err := rl.Allow(t.Context(), "client-1")
		if err != nil || remaining != -1 {
			t.Errorf("Allow() = %d, %v; want -1, nil", remaining, err)
		}
	}

	handler := NewRateLimiter(nil, 1).Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	for range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Remaining") != "" {
			t.Error("expected no quota header when disabled")
		}
	}
}
