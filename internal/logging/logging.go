// Package logging provides a context-carried slog.Logger, matching the
// pattern used across the rest of this codebase's services.
package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "rconn-slogger"

// AddToContext returns a context carrying logger.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger attached to ctx, or slog.Default() if
// none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
