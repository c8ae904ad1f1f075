// Package logx provides the context-carried structured logger used across
// the router and behavior packages: a correlation id travels in the
// context and is attached to every log line, and a default slog handler is
// installed once at process start.
package logx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// ContextKey namespaces context values owned by this package.
type ContextKey string

// CorrelationContextKey is the context key under which the correlation id
// for the current call chain is stored.
const CorrelationContextKey = ContextKey("cid")

type loggerKey struct{}

// SetDefault installs a slog.Logger at the given level as the process
// default, tagged with the owning subsystem via a "sub" field on every
// line.
func SetDefault(level slog.Level, addSource bool, subsystem string) {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	})
	logger := slog.New(h).With(slog.String("sub", subsystem))
	slog.SetDefault(logger)
}

// WithLogger returns a context carrying the given logger, retrievable with
// FromContext.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationContextKey, id)
}

// FromContext returns the logger attached to ctx, falling back to
// slog.Default, with the correlation id (if any) attached as a field.
func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	if !ok || l == nil {
		l = slog.Default()
	}
	if cid, ok := ctx.Value(CorrelationContextKey).(string); ok && cid != "" {
		l = l.With(slog.String("cid", cid))
	}
	return l
}

// Err logs message at error level with err attached and returns a wrapped
// error carrying message, so call sites both log and propagate in one
// line.
func Err(ctx context.Context, message string, err error, attrs ...any) error {
	FromContext(ctx).Error(message, append(attrs, slog.Any("error", err))...)
	return fmt.Errorf("%s: %w", message, err)
}
