// Package playertoken issues and verifies the signed bearer tokens that
// identify players and facilitators on HTTP and websocket requests.
package playertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/conditionwatch/internal/platform/errors"
	"github.com/louisbranch/conditionwatch/internal/platform/id"
)

const minSecretBytes = 32

// Config defines how player tokens are signed and verified.
type Config struct {
	Issuer   string
	Audience string
	Secret   []byte
	Now      func() time.Time
}

// Claims captures validated player token claims.
type Claims struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type playerClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Validate reports whether the config can sign and verify tokens.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("player token issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return errors.New("player token audience is required")
	}
	if len(c.Secret) < minSecretBytes {
		return fmt.Errorf("player token secret must be at least %d bytes", minSecretBytes)
	}
	return nil
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// Issue signs a token for userID valid for ttl.
func Issue(cfg Config, userID string, ttl time.Duration) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	tokenID, err := id.NewID()
	if err != nil {
		return "", err
	}
	now := cfg.now()
	claims := playerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        tokenID,
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign player token: %w", err)
	}
	return signed, nil
}

// Verify validates a player token and returns its claims.
func Verify(raw string, cfg Config) (Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Claims{}, apperrors.New(apperrors.CodePlayerTokenMissing, "player token is required")
	}
	if err := cfg.Validate(); err != nil {
		return Claims{}, err
	}

	var parsed playerClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodePlayerTokenInvalid, "player token is invalid", err)
	}

	if parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodePlayerTokenMismatch, "player token issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodePlayerTokenMismatch, "player token audience mismatch", map[string]string{"Field": "audience"})
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, apperrors.New(apperrors.CodePlayerTokenInvalid, "player token user_id is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodePlayerTokenInvalid, "player token exp is required")
	}
	now := cfg.now()
	if !parsed.ExpiresAt.Time.After(now) {
		return Claims{}, apperrors.New(apperrors.CodePlayerTokenExpired, "player token is expired")
	}

	claims := Claims{
		UserID:    strings.TrimSpace(parsed.UserID),
		TokenID:   parsed.ID,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}
