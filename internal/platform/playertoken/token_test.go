package playertoken

import (
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/conditionwatch/internal/platform/errors"
)

func testConfig(now time.Time) Config {
	return Config{
		Issuer:   "conditionwatch",
		Audience: "conditionwatch.players",
		Secret:   []byte(strings.Repeat("k", 32)),
		Now:      func() time.Time { return now },
	}
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	cfg := testConfig(now)

	raw, err := Issue(cfg, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := Verify("Bearer "+raw, cfg)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("user id = %q", claims.UserID)
	}
	if claims.TokenID == "" {
		t.Fatal("expected token id")
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires at = %s", claims.ExpiresAt)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	raw, err := Issue(testConfig(now), "user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = Verify(raw, testConfig(now.Add(2*time.Minute)))
	if got := apperrors.CodeOf(err); got != apperrors.CodePlayerTokenExpired {
		t.Fatalf("code = %s, want %s", got, apperrors.CodePlayerTokenExpired)
	}
}

func TestVerifyRejectsAudienceMismatch(t *testing.T) {
	now := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	raw, err := Issue(testConfig(now), "user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cfg := testConfig(now)
	cfg.Audience = "someone-else"
	_, err = Verify(raw, cfg)
	if got := apperrors.CodeOf(err); got != apperrors.CodePlayerTokenMismatch {
		t.Fatalf("code = %s, want %s", got, apperrors.CodePlayerTokenMismatch)
	}
}

func TestVerifyRejectsWrongSecretAndBlank(t *testing.T) {
	now := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	raw, err := Issue(testConfig(now), "user-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cfg := testConfig(now)
	cfg.Secret = []byte(strings.Repeat("x", 32))
	if got := apperrors.CodeOf(mustErr(Verify(raw, cfg))); got != apperrors.CodePlayerTokenInvalid {
		t.Fatalf("code = %s, want %s", got, apperrors.CodePlayerTokenInvalid)
	}
	if got := apperrors.CodeOf(mustErr(Verify("  ", cfg))); got != apperrors.CodePlayerTokenMissing {
		t.Fatalf("code = %s, want %s", got, apperrors.CodePlayerTokenMissing)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(time.Now())
	cfg.Secret = []byte("short")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}

func mustErr(_ Claims, err error) error {
	return err
}
