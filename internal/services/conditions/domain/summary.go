package domain

import (
	"fmt"
	"strings"
	"time"
)

// Visibility is how a token appears to players.
type Visibility string

const (
	VisibilityVisible  Visibility = "visible"
	VisibilityObscured Visibility = "obscured"
)

// Summary is the player-safe projection of every active condition in a group.
// A Summary is immutable once built; GeneratedAt doubles as its version.
type Summary struct {
	GroupID     string    `json:"group_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Entry is one token carrying at least one projected condition.
type Entry struct {
	Map        MapRef               `json:"map"`
	Token      TokenView            `json:"token"`
	Conditions []ProjectedCondition `json:"conditions"`
}

// TokenView is the redacted token identity.
type TokenView struct {
	ID          string      `json:"id"`
	Label       string      `json:"label"`
	Visibility  Visibility  `json:"visibility"`
	Disposition Disposition `json:"disposition"`
}

// ProjectedCondition is one condition as players see it.
type ProjectedCondition struct {
	Key        ConditionKey `json:"key"`
	Label      string       `json:"label"`
	Rounds     *int         `json:"rounds"`
	RoundsHint *string      `json:"rounds_hint"`
	Urgency    Urgency      `json:"urgency"`
	Summary    string       `json:"summary"`
}

// ConditionRef addresses one condition instance on one token.
type ConditionRef struct {
	TokenID      string
	ConditionKey ConditionKey
}

// Located is a projected condition together with where it sits.
type Located struct {
	Map       MapRef
	Token     TokenView
	Condition ProjectedCondition
}

// Index maps every condition in the summary to its location.
func (s *Summary) Index() map[ConditionRef]Located {
	if s == nil {
		return map[ConditionRef]Located{}
	}
	index := make(map[ConditionRef]Located)
	for _, entry := range s.Entries {
		for _, condition := range entry.Conditions {
			index[ConditionRef{TokenID: entry.Token.ID, ConditionKey: condition.Key}] = Located{
				Map:       entry.Map,
				Token:     entry.Token,
				Condition: condition,
			}
		}
	}
	return index
}

// Version returns the canonical string form of GeneratedAt.
func (s *Summary) Version() string {
	if s == nil {
		return ""
	}
	return FormatVersion(s.GeneratedAt)
}

// FormatVersion renders a summary timestamp the way clients echo it back.
func FormatVersion(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}

// ParseVersion parses a summary version produced by FormatVersion.
func ParseVersion(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("summary version is required")
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse summary version: %w", err)
	}
	return at.UTC(), nil
}
