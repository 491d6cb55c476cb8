//go:build integration

// Package pgtest starts a disposable PostgreSQL container for integration
// tests and applies the schema migrations to it.
package pgtest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docmchurch/mailqueue/internal/storage"
)

// Instance is a running container with a migrated database.
type Instance struct {
	DB        *storage.DB
	DSN       string
	container testcontainers.Container
}

// Start launches postgres:15-alpine, connects and migrates.
func Start(ctx context.Context) (*Instance, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/test?sslmode=disable", host, port.Port())
	db, err := storage.NewDB(ctx, storage.PoolConfig{
		URL:            dsn,
		MinConns:       2,
		MaxConns:       10,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Instance{DB: db, DSN: dsn, container: container}, nil
}

// Truncate empties every table between tests.
func (i *Instance) Truncate(ctx context.Context) error {
	_, err := i.DB.Pool.Exec(ctx, "TRUNCATE email_events, email_queue")
	return err
}

// Stop closes the pool and terminates the container.
func (i *Instance) Stop(ctx context.Context) error {
	i.DB.Close()
	return i.container.Terminate(ctx)
}
