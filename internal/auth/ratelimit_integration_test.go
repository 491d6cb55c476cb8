//go:build integration

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "6379")
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRateLimiter_Redis(t *testing.T) {
	client := startRedis(t)
	rl := NewRateLimiter(client, 2)
	rl.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 30, 0, time.UTC) }
	ctx := context.Background()

	for want := 1; want >= 0; want-- {
		remaining, err := rl.Allow(ctx, "client-1")
		if err != nil || remaining != want {
			t.Fatalf("Allow() = %d, %v; want %d", remaining, err, want)
		}
	}
	if _, err := rl.Allow(ctx, "client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := rl.Allow(ctx, "client-2"); err != nil {
		t.Fatalf("other clients have their own quota: %v", err)
	}

	handler := rl.Middleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithClient(req.Context(), "client-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "30" {
		t.Errorf("expected 429 with Retry-After 30, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	rl.now = func() time.Time { return time.Date(2026, 10, 17, 12, 1, 0, 0, time.UTC) }
	if _, err := rl.Allow(ctx, "client-1"); err != nil {
		t.Errorf("expected a fresh window, got %v", err)
	}
}
