// Package ratelimit guards batched condition edits with a per-map tier, a
// weighted per-token tier and a coarser per-map circuit breaker.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
)

const (
	EventViolation      = "ratelimit.violation"
	EventCircuitTripped = "ratelimit.circuit_tripped"

	// MaxBackoffSeconds caps SuggestedBackoff.
	MaxBackoffSeconds  = 900
	maxBackoffExponent = 6
)

// Scope names the tier that tripped.
type Scope string

const (
	ScopeMap   Scope = "map"
	ScopeToken Scope = "token"
)

// Config sets tier thresholds and windows.
type Config struct {
	MapMaxAttempts   int
	TokenMaxAttempts int
	Decay            time.Duration
	LockoutDecay     time.Duration
	CircuitCooldown  time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MapMaxAttempts:   45,
		TokenMaxAttempts: 12,
		Decay:            60 * time.Second,
		LockoutDecay:     15 * time.Minute,
		CircuitCooldown:  120 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MapMaxAttempts <= 0 {
		c.MapMaxAttempts = defaults.MapMaxAttempts
	}
	if c.TokenMaxAttempts <= 0 {
		c.TokenMaxAttempts = defaults.TokenMaxAttempts
	}
	if c.Decay <= 0 {
		c.Decay = defaults.Decay
	}
	if c.LockoutDecay <= 0 {
		c.LockoutDecay = defaults.LockoutDecay
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = defaults.CircuitCooldown
	}
	return c
}

// Request describes one batched edit.
type Request struct {
	UserID string
	MapID  string
	// TokenHits counts how many edits in the batch touch each token.
	TokenHits map[string]int
	// SelectionCount is the number of tokens the user had selected.
	SelectionCount int
}

// Violation is returned when a tier rejects a request.
type Violation struct {
	Scope            Scope  `json:"scope"`
	TokenID          string `json:"token_id,omitempty"`
	AvailableIn      int    `json:"available_in"`
	SuggestedBackoff int    `json:"suggested_backoff"`
	Lockouts         int    `json:"lockouts"`
}

// Limiter evaluates requests against a shared Store.
type Limiter struct {
	store    Store
	cfg      Config
	emitter  *telemetry.Emitter
	inflight keyedMutex
}

// New builds a Limiter. A nil store uses a MemoryStore.
func New(store Store, cfg Config, emitter *telemetry.Emitter) *Limiter {
	if store == nil {
		store = NewMemoryStore(nil)
	}
	return &Limiter{store: store, cfg: cfg.withDefaults(), emitter: emitter}
}

// Check returns a Violation when the map tier or any token tier would be
// exceeded by req, or nil when the request may proceed. Tripping a tier
// increments its lockout counter. Concurrent requests from the same user on
// the same map must hold Acquire from Check through Hit.
func (l *Limiter) Check(ctx context.Context, req Request) *Violation {
	mapKey := mapKey(req.UserID, req.MapID)
	if l.store.Attempts(mapKey)+1 > l.cfg.MapMaxAttempts {
		return l.violate(ctx, req, ScopeMap, "", mapKey)
	}
	for _, tokenID := range sortedTokens(req.TokenHits) {
		key := tokenKey(req.UserID, tokenID)
		if l.store.Attempts(key)+weight(req.TokenHits[tokenID]) > l.cfg.TokenMaxAttempts {
			return l.violate(ctx, req, ScopeToken, tokenID, key)
		}
	}
	return nil
}

// Hit records a successful edit and clears the lockouts of every key it
// touched. Base counters keep decaying on their own.
func (l *Limiter) Hit(req Request) {
	mapKey := mapKey(req.UserID, req.MapID)
	l.store.Add(mapKey, 1, l.cfg.Decay)
	l.store.Clear(lockoutKey(mapKey))
	for _, tokenID := range sortedTokens(req.TokenHits) {
		key := tokenKey(req.UserID, tokenID)
		l.store.Add(key, weight(req.TokenHits[tokenID]), l.cfg.Decay)
		l.store.Clear(lockoutKey(key))
	}
}

// CooldownFor reports the remaining circuit cooldown in seconds, and false
// when the circuit is closed.
func (l *Limiter) CooldownFor(userID, mapID string) (int, bool) {
	key := circuitKey(userID, mapID)
	if l.store.Attempts(key) == 0 {
		return 0, false
	}
	return ceilSeconds(l.store.AvailableIn(key)), true
}

// TriggerCircuit opens the breaker for the user on the map and returns the
// remaining cooldown in seconds. Re-tripping an open circuit does not extend
// it.
func (l *Limiter) TriggerCircuit(ctx context.Context, userID, mapID string) int {
	key := circuitKey(userID, mapID)
	l.store.Add(key, 1, l.cfg.CircuitCooldown)
	seconds := ceilSeconds(l.store.AvailableIn(key))
	l.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:       EventCircuitTripped,
		Severity:   telemetry.SeverityWarn,
		ActorID:    userID,
		Attributes: map[string]any{"map_id": mapID, "cooldown_seconds": seconds},
	})
	return seconds
}

// Clear resets every counter, lockout and circuit for the user on the map
// and the given tokens.
func (l *Limiter) Clear(userID, mapID string, tokenIDs []string) {
	mapKey := mapKey(userID, mapID)
	l.store.Clear(mapKey)
	l.store.Clear(lockoutKey(mapKey))
	l.store.Clear(circuitKey(userID, mapID))
	for _, tokenID := range tokenIDs {
		key := tokenKey(userID, tokenID)
		l.store.Clear(key)
		l.store.Clear(lockoutKey(key))
	}
}

func (l *Limiter) violate(ctx context.Context, req Request, scope Scope, tokenID, key string) *Violation {
	lockouts := l.store.Add(lockoutKey(key), 1, l.cfg.LockoutDecay)
	availableIn := ceilSeconds(l.store.AvailableIn(key))
	violation := &Violation{
		Scope:            scope,
		TokenID:          tokenID,
		AvailableIn:      availableIn,
		SuggestedBackoff: SuggestedBackoff(availableIn, lockouts, req.SelectionCount),
		Lockouts:         lockouts,
	}
	l.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:     EventViolation,
		Severity: telemetry.SeverityWarn,
		ActorID:  req.UserID,
		Attributes: map[string]any{
			"map_id":            req.MapID,
			"scope":             string(scope),
			"token_id":          tokenID,
			"available_in":      violation.AvailableIn,
			"suggested_backoff": violation.SuggestedBackoff,
			"lockouts":          lockouts,
		},
	})
	return violation
}

// SuggestedBackoff returns min(900, availableIn + 2^min(6, lockouts +
// selection/3)) seconds.
func SuggestedBackoff(availableIn, lockouts, selectionCount int) int {
	if availableIn < 0 {
		availableIn = 0
	}
	exponent := max(lockouts, 0) + max(selectionCount, 0)/3
	exponent = min(exponent, maxBackoffExponent)
	backoff := availableIn + 1<<exponent
	return min(backoff, MaxBackoffSeconds)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func weight(hits int) int {
	if hits < 1 {
		return 1
	}
	return hits
}

func sortedTokens(hits map[string]int) []string {
	tokens := make([]string, 0, len(hits))
	for tokenID := range hits {
		if strings.TrimSpace(tokenID) == "" {
			continue
		}
		tokens = append(tokens, tokenID)
	}
	sort.Strings(tokens)
	return tokens
}

func mapKey(userID, mapID string) string {
	return "conditions:map:" + userID + ":" + mapID
}

func tokenKey(userID, tokenID string) string {
	return "conditions:token:" + userID + ":" + tokenID
}

func circuitKey(userID, mapID string) string {
	return "conditions:circuit:" + userID + ":" + mapID
}

func lockoutKey(key string) string {
	return key + ":lockouts"
}
