package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/joho/godotenv"

	"github.com/docmchurch/mailqueue/internal/auth"
	"github.com/docmchurch/mailqueue/internal/bootstrap"
	"github.com/docmchurch/mailqueue/internal/config"
	"github.com/docmchurch/mailqueue/internal/logger"
	smtpserver "github.com/docmchurch/mailqueue/internal/smtp"
)

func main() {
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

	log := logger.NewFromConfig(cfg.Logging.Logger(), "smtp-server")
	log.Info().Msg("starting SMTP submission server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backends")
	}
	defer comps.Close()
	if comps.DB == nil {
		log.Warn().Msg("smtp server is running on the in-memory store; no dispatcher will see its messages")
	}

	keys, err := auth.NewAPIKeys(cfg.Auth.APIKeyHashes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid api key hashes")
	}
	if keys.Len() == 0 {
		log.Warn().Msg("no client api keys configured; SMTP submissions are accepted without AUTH")
	}

	backend := smtpserver.NewBackend(comps.Store, keys, comps.Tracker.Registry(), smtpserver.Options{
		MaxConnections:     cfg.SMTP.MaxConnections,
		DefaultMaxAttempts: cfg.Dispatcher.DefaultMaxAttempts,
		Archive:            comps.Archive,
	}, log)

	s, err := smtpserver.NewServer(backend, smtpserver.ServerConfig{
		Addr:              cfg.SMTP.Addr(),
		Domain:            cfg.SMTP.Domain,
		ReadTimeout:       cfg.SMTP.ReadTimeout,
		WriteTimeout:      cfg.SMTP.WriteTimeout,
		MaxMessageBytes:   cfg.SMTP.MaxMessageBytes,
		MaxRecipients:     cfg.SMTP.MaxRecipients,
		AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
		TLSCertFile:       cfg.SMTP.TLSCertFile,
		TLSKeyFile:        cfg.SMTP.TLSKeyFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure SMTP server")
	}
	if s.TLSConfig == nil {
		log.Warn().Msg("no TLS certificate configured; STARTTLS is not offered")
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", s.Addr).Msg("failed to listen")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("SMTP server listening")
		errCh <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			log.Error().Err(err).Msg("SMTP server error")
		}
	}

	log.Info().Msg("shutting down SMTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("SMTP server shutdown error")
	}

	log.Info().Msg("SMTP server stopped")
}
