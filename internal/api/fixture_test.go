package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/events"
	"github.com/docmchurch/mailqueue/internal/healthreport"
	"github.com/docmchurch/mailqueue/internal/queue"
)

const (
	testAPIKey     = "client-test-key"
	testSigningKey = "test-secret-key-that-is-long-enough-32"
)

type fixture struct {
	store    *queue.MemoryStore
	tracker  *account.Tracker
	failures *account.MemoryFailureLog
	raw      *archive.LocalFileStore
	jwt      *auth.JWTService
	recorder *events.Recorder
	router   *chi.Mux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := queue.NewMemoryStore(nil)
	reg, err := account.NewRegistry([]account.SendingAccount{
		{Address: "notify@example.org", HourlyLimit: 100},
		{Address: "news@example.org", HourlyLimit: 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	tracker := account.NewTracker(reg, account.NewMemoryHealthStore(), account.DefaultThresholds(), zerolog.Nop())
	failures := account.NewMemoryFailureLog(20)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := auth.NewAPIKeys([]string{string(hash)})
	if err != nil {
		t.Fatal(err)
	}
	jwtSvc := auth.NewJWTService(auth.JWTConfig{SigningKey: testSigningKey, TokenExpiry: 15 * time.Minute})
	raw, err := archive.NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: store, tracker: tracker, failures: failures, raw: raw, jwt: jwtSvc}
	f.recorder = events.NewRecorder(store, tracker, failures, zerolog.Nop())
	f.router = NewRouter(Deps{
		Store:              store,
		Recorder:           f.recorder,
		Reporter:           healthreport.NewReporter(tracker, store, failures, zerolog.Nop()),
		Archive:            raw,
		JWT:                jwtSvc,
		APIKeys:            keys,
		DefaultMaxAttempts: 4,
	}, zerolog.Nop())
	return f
}

func (f *fixture) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := f.jwt.GenerateToken("ops@example.org", role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// do sends a request through the router. auth is an API key, a JWT, or "".
func (f *fixture) do(t *testing.T, method, path string, body any, authz string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", "Bearer "+authz)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// sent enqueues a message and drives it to sent with providerRef.
func (f *fixture) sent(t *testing.T, sender, providerRef string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.Enqueue(ctx, queue.EnqueueRequest{To: "member@example.org", Subject: "Hi", HTMLBody: "<p>Hi</p>"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkSent(ctx, id, sender, providerRef); err != nil {
		t.Fatal(err)
	}
	return id
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d; body: %s", want, rec.Code, rec.Body.String())
	}
}

