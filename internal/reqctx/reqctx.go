// Package reqctx carries the per-request identity, tenant, and request-id
// values the HTTP transport extracts from headers, so tool handlers deep in
// the call stack can read them without threading extra parameters through
// every layer.
package reqctx

import "context"

type contextKey int

const (
	identityKey contextKey = iota
	requestIDKey
	tenantIDKey
)

// WithIdentity returns a context carrying the caller identity extracted
// from the configured identity header (or "anonymous" if none was sent).
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// Identity returns the caller identity stashed by WithIdentity, defaulting
// to "anonymous" when none is present.
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// WithRequestID returns a context carrying a request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stashed by WithRequestID, or "" if none
// is present.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithTenantID returns a context carrying the Loki tenant id in effect for
// the request.
func WithTenantID(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// TenantID returns the tenant id stashed by WithTenantID, or "" if none is
// present.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}
