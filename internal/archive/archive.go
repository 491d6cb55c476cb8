// Package archive keeps the raw RFC 5322 bytes of submitted messages so
// operators can inspect exactly what a client handed over.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MetadataKey is the message metadata field holding the archive key of
// the original submission.
const MetadataKey = "raw_ref"

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// ErrInvalidKey is returned for keys that would escape the archive root.
var ErrInvalidKey = errors.New("archive: invalid key")

// Store persists raw messages under opaque keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Config selects and configures a Store. An empty Type disables archiving.
type Config struct {
	Type       string // "", "local" or "s3"
	Path       string
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string
}

// Enabled reports whether an archive backend is configured.
func (c Config) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}

// New creates the Store named by cfg.Type. It returns nil, nil when
// archiving is disabled.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalFileStore(cfg.Path)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("archive: s3 bucket is required")
		}
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		log.Warn().
			Str("type", cfg.Type).
			Msg("unsupported archive type, defaulting to local")
		return NewLocalFileStore(cfg.Path)
	}
}

// Key builds the object key for a submission received at t. Keys are
// partitioned by UTC day.
func Key(t time.Time, id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '@':
			return r
		}
		return '_'
	}, id)
	return path.Join(t.UTC().Format("2006/01/02"), id+".eml")
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
