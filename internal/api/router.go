package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/queue"
)

// Deps are the collaborators the HTTP surface is built over.
type Deps struct {
	Store    queue.Store
	Recorder EventRecorder
	Reporter HealthReporter
	// DB backs /readyz; nil means the in-memory store.
	DB Pinger
	// Archive serves raw SMTP submissions; nil disables the endpoint.
	Archive archive.Store

	JWT         *auth.JWTService
	APIKeys     *auth.APIKeys
	RateLimiter *auth.RateLimiter

	// SNSConfirmer activates SES-over-SNS subscriptions; nil leaves them
	// to the operator.
	SNSConfirmer SubscriptionConfirmer

	WebhookToken       string
	DefaultMaxAttempts int
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps Deps, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	// Health endpoints (no auth required)
	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.DB))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Open-tracking pixel is loaded by mail clients.
		r.Get("/track/open", TrackOpenHandler(deps.Recorder))

		// Webhook endpoints (called by ESP providers)
		r.Group(func(r chi.Router) {
			r.Use(WebhookTokenMiddleware(deps.WebhookToken))
			r.Post("/webhooks/sendgrid", SendGridWebhookHandler(deps.Recorder))
			r.Post("/webhooks/mailgun", MailgunWebhookHandler(deps.Recorder))
			r.Post("/webhooks/ses", SESWebhookHandler(deps.Recorder, deps.SNSConfirmer))
		})

		// Client routes (API key)
		r.Group(func(r chi.Router) {
			r.Use(auth.APIKeyAuth(deps.APIKeys))
			r.With(deps.RateLimiter.Middleware(log)).
				Post("/messages", EnqueueHandler(deps.Store, deps.DefaultMaxAttempts))
			r.Get("/messages/{id}", GetMessageHandler(deps.Store))
			r.Get("/messages/{id}/raw", RawMessageHandler(deps.Store, deps.Archive))
			r.Post("/messages/{id}/cancel", CancelMessageHandler(deps.Store))
			r.Post("/events", RecordEventHandler(deps.Recorder))
		})

		// Operator routes (JWT)
		r.Route("/ops", func(r chi.Router) {
			r.Use(auth.JWTAuth(deps.JWT))
			r.Use(auth.RequireRole(auth.RoleViewer))
			r.Get("/health", SystemHealthHandler(deps.Reporter))
			r.Get("/accounts", AccountsHandler(deps.Reporter))
			r.Get("/failures", FailuresHandler(deps.Reporter))
			r.Get("/queue", QueueStatsHandler(deps.Reporter))

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleOperator))
				r.Post("/health-check", HealthCheckHandler(deps.Reporter))
				r.Post("/accounts/reset", ResetAccountsHandler(deps.Reporter))
			})
		})
	})

	return r
}
