package idxguard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with idxguard-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON records to w.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that writes human-readable text to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithKeyField adds the unique key field to the logger.
func (l *Logger) WithKeyField(field string) *Logger {
	return &Logger{
		Logger: l.Logger.With("key_field", field),
	}
}

// LogInsert logs a guarded insert.
func (l *Logger) LogInsert(ctx context.Context, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"key", key,
		)
	}
}

// LogCommit logs a durability commit.
func (l *Logger) LogCommit(ctx context.Context, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"elapsed", elapsed,
		)
	}
}

// LogOptimize logs a compaction pass.
func (l *Logger) LogOptimize(ctx context.Context, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "optimize failed",
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "optimize completed",
			"elapsed", elapsed,
		)
	}
}

// LogRefresh logs a snapshot refresh.
func (l *Logger) LogRefresh(ctx context.Context, pendingKeys int, err error) {
	if err != nil {
		l.WarnContext(ctx, "refresh failed",
			"pending_keys", pendingKeys,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "refresh completed",
			"pending_keys", pendingKeys,
		)
	}
}
