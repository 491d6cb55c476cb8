// Package bootstrap provides startup-time initialization shared by the
// binaries: connecting the backing stores and building the services over
// them.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/config"
	"github.com/docmchurch/mailqueue/internal/events"
	"github.com/docmchurch/mailqueue/internal/queue"
	"github.com/docmchurch/mailqueue/internal/storage"
)

// Components are the long-lived services a binary runs on. DB and Redis
// are nil when the in-memory backends are selected.
type Components struct {
	DB       *storage.DB
	Redis    *redis.Client
	Store    queue.Store
	Tracker  *account.Tracker
	Failures account.FailureLog
	Recorder *events.Recorder
	// Archive is nil unless raw submission archiving is configured.
	Archive archive.Store
}

// Open connects the configured backends. An empty database URL selects the
// in-memory message store and an empty redis address keeps account health
// in process memory; both only make sense for a single process.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Components, error) {
	c := &Components{}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("account registry: %w", err)
	}

	if cfg.Database.URL != "" {
		db, err := storage.NewDB(ctx, cfg.Database.PoolConfig())
		if err != nil {
			return nil, err
		}
		c.DB = db
		log.Info().Msg("database connection established")

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				c.Close()
				return nil, err
			}
			log.Info().Msg("database migrations applied")
		}
		c.Store = queue.NewPostgresStore(db.Pool, cfg.Backoff())
	} else {
		log.Warn().Msg("database url not set, using in-memory message store")
		c.Store = queue.NewMemoryStore(cfg.Backoff())
	}

	var health account.HealthStore
	if cfg.Redis.Addr != "" {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			c.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		health = account.NewRedisHealthStore(c.Redis)
		c.Failures = account.NewRedisFailureLog(c.Redis, cfg.Health.FailureLogSize)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connection established")
	} else {
		log.Warn().Msg("redis addr not set, account health is kept in memory")
		health = account.NewMemoryHealthStore()
		c.Failures = account.NewMemoryFailureLog(cfg.Health.FailureLogSize)
	}

	if ac := cfg.Archive.Store(); ac.Enabled() {
		store, err := archive.New(ctx, ac, log)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("archive: %w", err)
		}
		c.Archive = store
		log.Info().Str("type", ac.Type).Msg("raw submission archive enabled")
	}

	c.Tracker = account.NewTracker(registry, health, cfg.Health.Thresholds(), log.With().Str("component", "tracker").Logger())
	c.Recorder = events.NewRecorder(c.Store, c.Tracker, c.Failures, log.With().Str("component", "events").Logger())

	log.Info().
		Int("accounts", registry.Len()).
		Int("hourly_capacity", registry.TotalHourlyCapacity()).
		Msg("sending accounts loaded")
	return c, nil
}

// Close releases the backend connections.
func (c *Components) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
