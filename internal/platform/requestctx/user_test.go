package requestctx

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: " user-42 ", TokenID: "jti-1"})
	got, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity")
	}
	if got.UserID != "user-42" || got.TokenID != "jti-1" {
		t.Fatalf("identity = %+v", got)
	}
	if UserIDFromContext(ctx) != "user-42" {
		t.Fatalf("UserIDFromContext = %q", UserIDFromContext(ctx))
	}
}

func TestIdentityMissing(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("expected no identity")
	}
	if got := UserIDFromContext(nil); got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
	ctx := WithIdentity(nil, Identity{UserID: "  "})
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("expected blank user id to be treated as unauthenticated")
	}
}
