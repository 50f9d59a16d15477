package observability

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey string

const ctxKeySessionID ctxKey = "session_id"

// logger is the process-wide structured logger, JSON to stdout.
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

func Logger() *slog.Logger {
	return logger
}

// WithSessionID stores a session id in the context for log correlation.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// LoggerFromContext adds session_id if present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	id, _ := ctx.Value(ctxKeySessionID).(string)
	if id == "" {
		return logger
	}
	return logger.With("session_id", id)
}
