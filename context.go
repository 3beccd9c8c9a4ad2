package goSession

import "context"

type requestIDContextKey struct{}

// WithRequestID attaches a caller-chosen request ID to ctx. Requests sent with ctx carry
// it in the configured request-ID header, including the replay after a refresh, and in
// audit events. Without it each logical request gets a fresh UUID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDContextKey{}).(string)
	return v
}
