package idxguard

import (
	"log/slog"
	"os"

	"github.com/benbjohnson/clock"

	"github.com/hupe1980/idxguard/metrics"
)

type options struct {
	logger  *Logger
	metrics metrics.Observer
	clock   clock.Clock
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging for the keeper and every loop it
// runs. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	k, _ := idxguard.Open(ctx, h, cfg, idxguard.WithLogger(idxguard.NewJSONLogger(os.Stderr, slog.LevelInfo)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(os.Stderr, level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(os.Stderr, level)
	}
}

// WithMetrics sets the observer notified of commits, refreshes and inserts.
func WithMetrics(m metrics.Observer) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock sets the time source shared by every loop. Tests pass a mock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func applyOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop{}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	return o
}
