package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/docmchurch/mailqueue/internal/api"
	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/bootstrap"
	"github.com/docmchurch/mailqueue/internal/config"
	"github.com/docmchurch/mailqueue/internal/dispatch"
	"github.com/docmchurch/mailqueue/internal/events"
	"github.com/docmchurch/mailqueue/internal/healthreport"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/provider"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.Logger(), "api-server")
	log.Info().Msg("starting API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backends")
	}
	defer comps.Close()

	if cfg.Auth.SigningKey == "" {
		log.Warn().Msg("JWT signing key is not set; operator endpoints will reject every token")
	}
	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey:  cfg.Auth.SigningKey,
		TokenExpiry: cfg.Auth.TokenExpiry,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
	})

	apiKeys, err := auth.NewAPIKeys(cfg.Auth.APIKeyHashes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid api key hashes")
	}
	if apiKeys.Len() == 0 {
		log.Warn().Msg("no client api keys configured; the enqueue API is open")
	}

	// Rate limiting needs a shared counter; without redis it stays off.
	var rateLimiter *auth.RateLimiter
	if comps.Redis != nil && cfg.Auth.EnqueueRateLimit > 0 {
		rateLimiter = auth.NewRateLimiter(comps.Redis, cfg.Auth.EnqueueRateLimit)
		log.Info().Int("per_minute", cfg.Auth.EnqueueRateLimit).Msg("enqueue rate limiter enabled")
	}

	reporter := healthreport.NewReporter(comps.Tracker, comps.Store, comps.Failures, log.With().Str("component", "healthreport").Logger())

	deps := api.Deps{
		Store:              comps.Store,
		Recorder:           comps.Recorder,
		Reporter:           reporter,
		Archive:            comps.Archive,
		JWT:                jwtService,
		APIKeys:            apiKeys,
		RateLimiter:        rateLimiter,
		WebhookToken:       cfg.Auth.WebhookToken,
		DefaultMaxAttempts: cfg.Dispatcher.DefaultMaxAttempts,
	}
	if comps.DB != nil {
		deps.DB = comps.DB
	}
	if cfg.Events.ConfirmSNS {
		deps.SNSConfirmer = events.NewSNSConfirmer(10*time.Second, log)
	}
	router := api.NewRouter(deps, log)

	addr := cfg.API.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if cfg.Events.SQSQueueURL != "" {
		poller, err := events.NewSQSPoller(ctx, comps.Recorder, cfg.Events.Poller(), log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create ses notification poller")
		}
		g.Go(func() error { return poller.Run(gctx) })
	}

	// The in-memory store cannot be shared with a separate dispatcher
	// process, so the API server sends the mail itself.
	if comps.DB == nil {
		transport, err := provider.New(cfg.Transport.Provider(), nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create transport")
		}
		d := dispatch.New(comps.Store, comps.Tracker, transport, comps.Failures, cfg.DispatchConfig(),
			log.With().Str("component", "dispatcher").Logger())
		if err := d.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to start dispatcher")
		}
		g.Go(func() error {
			<-gctx.Done()
			return d.Stop(context.Background())
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server exited with error")
		comps.Close()
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
