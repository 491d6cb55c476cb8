package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/docmchurch/mailqueue/internal/bootstrap"
	"github.com/docmchurch/mailqueue/internal/config"
	"github.com/docmchurch/mailqueue/internal/dispatch"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/provider"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics and /healthz; empty disables")
	flag.Parse()

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

	log := logger.NewFromConfig(cfg.Logging.Logger(), "dispatcher")
	log.Info().Msg("starting dispatcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backends")
	}
	defer comps.Close()
	if comps.DB == nil {
		log.Warn().Msg("dispatcher is running on the in-memory store; it will only see messages it enqueues itself")
	}

	transport, err := provider.New(cfg.Transport.Provider(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create transport")
	}
	if err := transport.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Str("transport", transport.GetName()).Msg("transport health check failed")
	}

	d := dispatch.New(comps.Store, comps.Tracker, transport, comps.Failures, cfg.DispatchConfig(),
		log.With().Str("component", "dispatcher").Logger())
	if err := d.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}

	g, gctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if d.Paused() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("paused\n"))
				return
			}
			_, _ = w.Write([]byte("ok\n"))
		})
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info().Str("addr", *metricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down dispatcher")
		return d.Stop(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("dispatcher exited with error")
		comps.Close()
		os.Exit(1)
	}
	log.Info().Msg("dispatcher stopped")
}
