// Package logging configures the process-wide zerolog logger and provides
// request- and job-scoped child loggers carried through context.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/config"
)

// Logger is the root logger. Init replaces it; subsystems derive child
// loggers from it via Component.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger from settings. Console output is for
// development; JSON is the production default.
func Init(cfg config.LogSettings) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

type ctxKey struct{}

// WithContext stores a logger in the context. The middleware pipeline uses
// this to make the request-scoped logger (with request_id) available to
// handlers and downstream calls.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the context's logger, or the root logger when none
// has been attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return Logger
}
