package handlers

import "context"

type contextKey string

// identityKey carries the authenticated caller's subject through the request
// context. The auth middleware sets it; handlers record it as document owner.
const identityKey contextKey = "identity"

// WithIdentity returns a context carrying the authenticated subject.
func WithIdentity(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, identityKey, subject)
}

// IdentityFrom returns the authenticated subject, or empty when the request
// was not authenticated (auth disabled).
func IdentityFrom(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}
