package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// NormalizeRequestID keeps a caller supplied v4 id and mints one otherwise.
func NormalizeRequestID(value string) string {
	if parsed, err := uuid.Parse(value); err == nil && parsed.Version() == 4 {
		return value
	}
	return uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// EnsureRequestID returns ctx unchanged when it already carries an id.
// Reconcile passes and calls made outside HTTP get a fresh one.
func EnsureRequestID(ctx context.Context) context.Context {
	if RequestIDFromContext(ctx) != "" {
		return ctx
	}
	return WithRequestID(ctx, uuid.NewString())
}

// Detach starts a background context for work that outlives the request,
// such as asynchronous box provisioning. Only the request id is carried over.
func Detach(ctx context.Context) context.Context {
	return WithRequestID(context.Background(), RequestIDFromContext(EnsureRequestID(ctx)))
}

// ComponentLogger tags the default logger with the component name and the
// request id carried by ctx, if any.
func ComponentLogger(ctx context.Context, component string, args ...any) *slog.Logger {
	logger := slog.Default().With("component", component)
	if id := RequestIDFromContext(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if len(args) > 0 {
		logger = logger.With(args...)
	}
	return logger
}
