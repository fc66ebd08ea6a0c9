package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger enriched with the tracing fields
// carried by ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_key", tc.SessionKey)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}

	return lc.Logger()
}

// MergeContext copies tracing fields from source that target lacks.
func MergeContext(target, source context.Context) context.Context {
	src := FromContext(source)
	dst := FromContext(target)

	if dst.TraceID == "" {
		dst.TraceID = src.TraceID
	}
	if dst.SessionKey == "" {
		dst.SessionKey = src.SessionKey
	}
	if dst.SessionID == "" {
		dst.SessionID = src.SessionID
	}
	if dst.RunID == "" {
		dst.RunID = src.RunID
	}
	if dst.RequestID == "" {
		dst.RequestID = src.RequestID
	}

	return NewContext(target, dst)
}

// Detach returns a background context that carries ctx's tracing fields but
// not its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
