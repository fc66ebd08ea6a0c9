package gateway

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const clientIDKey ctxKey = "clientID"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

// withClientField tags a logger with the calling WebSocket client, if any.
func withClientField(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := clientIDFromContext(ctx); id != "" {
		return logger.With().Str("clientId", id).Logger()
	}
	return logger
}
