package logger

import (
	"context"
)

// RequestIDHeader carries the request correlation id on HTTP requests
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID stores a correlation id on the context and attaches it to
// the context logger
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	return NewContext(ctx, String("request_id", requestID))
}

// RequestID returns the correlation id stored on the context, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
