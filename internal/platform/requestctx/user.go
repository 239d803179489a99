// Package requestctx carries the caller identity resolved from a player token
// through request-scoped contexts.
package requestctx

import (
	"context"
	"strings"
)

type identityContextKey struct{}

// Identity is the authenticated caller of one request.
type Identity struct {
	UserID  string
	TokenID string
}

// WithIdentity stores the caller identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	identity.UserID = strings.TrimSpace(identity.UserID)
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the caller identity and whether one was set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || identity.UserID == "" {
		return Identity{}, false
	}
	return identity, true
}

// UserIDFromContext returns the caller user id, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.UserID
}
