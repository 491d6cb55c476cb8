package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and destination. It mirrors
// config.LoggingConfig so this package stays import-free.
type Config struct {
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Output is "stdout" (default) or "file".
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxFiles   int
	MaxAgeDays int
}

type ctxKey int

const (
	loggerKey ctxKey = iota
	correlationIDKey
)

// CorrelationHeader carries the correlation id across HTTP hops.
const CorrelationHeader = "X-Correlation-ID"

// New creates a JSON logger on stdout tagged with service. Unknown levels
// fall back to info.
func New(level, service string) zerolog.Logger {
	return build(os.Stdout, level, service)
}

// NewFromConfig creates a logger for service from cfg.
func NewFromConfig(cfg Config, service string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Output == "file" && cfg.FilePath != "" {
		w = rotatingFile(cfg)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return build(w, cfg.Level, service)
}

// rotatingFile opens cfg.FilePath through lumberjack. Rotated segments are
// gzipped and named in local time.
func rotatingFile(cfg Config) *lumberjack.Logger {
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 100
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    size,
		MaxBackups: cfg.MaxFiles,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
		Compress:   true,
	}
}

func build(w io.Writer, level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	ctx := zerolog.New(w).Level(lvl).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// WithLogger attaches log to ctx.
func WithLogger(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// FromContext returns the request logger with its correlation id, or a
// default logger when none was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	log, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		log = New("info", "")
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		log = log.With().Str("correlation_id", id).Logger()
	}
	return log
}

// NewCorrelationID returns a fresh random id.
func NewCorrelationID() string {
	return uuid.NewString()
}
