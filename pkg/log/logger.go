// Package log provides structured logging for gomine services.
// It wraps the standard library's slog package with header and search helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// Context keys picked up by WithContext.
const (
	RequestIDKey ctxKey = "request_id"
	RunIDKey     ctxKey = "run_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext returns a logger carrying request and run IDs found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if runID := ctx.Value(RunIDKey); runID != nil {
		logger = logger.With("run_id", runID)
	}
	return l.derive(logger)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithHeader returns a logger tagged with a block hash and, when known, its height
func (l *Logger) WithHeader(hash string, height *int64) *Logger {
	if height == nil {
		return l.WithFields("block_hash", hash)
	}
	return l.WithFields("block_hash", hash, "block_height", *height)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration.Nanoseconds(),
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// LogThroughput logs a count over a duration as operations per second
func (l *Logger) LogThroughput(operation string, count uint64, duration time.Duration) {
	var throughput float64
	if duration > 0 {
		throughput = float64(count) / duration.Seconds()
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration.Nanoseconds(),
		"throughput_ops_sec", throughput,
	)
}

// LogNonceFound logs a header produced by a nonce search
func (l *Logger) LogNonceFound(hash string, nonce uint32, difficulty string) {
	l.Info("nonce found",
		"block_hash", hash,
		"nonce", nonce,
		"difficulty", difficulty,
	)
}

// LogSearchStats logs the outcome of one nonce-search run
func (l *Logger) LogSearchStats(start, end uint32, tried, earlyExits, found uint64, elapsed time.Duration) {
	l.Info("nonce search finished",
		"start_nonce", start,
		"end_nonce", end,
		"tried", tried,
		"early_exits", earlyExits,
		"found", found,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// LogHeaderValidated logs the result of a header self-test
func (l *Logger) LogHeaderValidated(hash string, height int64, ok bool, failed string) {
	if ok {
		l.Info("header validated", "block_hash", hash, "block_height", height)
		return
	}
	l.Warn("header validation failed",
		"block_hash", hash,
		"block_height", height,
		"failed_step", failed,
	)
}
