package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrRateLimited is returned when a client has used its per-minute quota.
var ErrRateLimited = errors.New("enqueue rate limit exceeded")

// RateLimiter caps enqueue requests per API client in fixed one-minute
// windows shared across API replicas through Redis.
type RateLimiter struct {
	client    *redis.Client
	perMinute int
	now       func() time.Time
}

// NewRateLimiter creates a RateLimiter. A nil client or non-positive limit
// disables limiting.
func NewRateLimiter(client *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{client: client, perMinute: perMinute, now: time.Now}
}

func (rl *RateLimiter) enabled() bool {
	return rl != nil && rl.client != nil && rl.perMinute > 0
}

// Allow counts one request for clientID and reports the remaining quota.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string) (int, error) {
	if !rl.enabled() {
		return -1, nil
	}

	key := fmt.Sprintf("mailqueue:ratelimit:enqueue:%s:%s", clientID, currentMinute(rl.now()))

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment enqueue count: %w", err)
	}

	count := int(incr.Val())
	if count > rl.perMinute {
		return 0, ErrRateLimited
	}
	return rl.perMinute - count, nil
}

// Middleware rejects requests over quota with 429. Redis errors are logged
// and the request is allowed.
func (rl *RateLimiter) Middleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, err := rl.Allow(r.Context(), ClientFromContext(r.Context()))
			switch {
			case errors.Is(err, ErrRateLimited):
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(secondsToNextMinute(rl.now())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
				return
			case err != nil:
				log.Warn().Err(err).Msg("rate limiter unavailable")
			case remaining >= 0:
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// currentMinute returns the UTC minute bucket, e.g. "202610171504".
func currentMinute(t time.Time) string {
	return t.UTC().Format("200601021504")
}

func secondsToNextMinute(t time.Time) int {
	next := t.Truncate(time.Minute).Add(time.Minute)
	s := int(next.Sub(t).Seconds())
	if s < 1 {
		s = 1
	}
	return s
}
