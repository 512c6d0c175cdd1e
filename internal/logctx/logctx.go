package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	itemKeyKey contextKey = "item_key"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithItemKey tags the context with the content item being worked on. The
// TraceHandler adds it to every record logged with this context.
func WithItemKey(ctx context.Context, itemKey string) context.Context {
	return context.WithValue(ctx, itemKeyKey, itemKey)
}

// ItemKeyFromContext returns the item key set by WithItemKey, if any.
func ItemKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(itemKeyKey).(string)

	return key, ok && key != ""
}
