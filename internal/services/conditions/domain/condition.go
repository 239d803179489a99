package domain

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ConditionKey identifies one status effect.
type ConditionKey string

const (
	ConditionBlinded       ConditionKey = "blinded"
	ConditionCharmed       ConditionKey = "charmed"
	ConditionDeafened      ConditionKey = "deafened"
	ConditionExhausted     ConditionKey = "exhausted"
	ConditionFrightened    ConditionKey = "frightened"
	ConditionGrappled      ConditionKey = "grappled"
	ConditionHidden        ConditionKey = "hidden"
	ConditionIncapacitated ConditionKey = "incapacitated"
	ConditionInvisible     ConditionKey = "invisible"
	ConditionParalyzed     ConditionKey = "paralyzed"
	ConditionPetrified     ConditionKey = "petrified"
	ConditionPoisoned      ConditionKey = "poisoned"
	ConditionProne         ConditionKey = "prone"
	ConditionRestrained    ConditionKey = "restrained"
	ConditionStunned       ConditionKey = "stunned"
)

var knownConditions = map[ConditionKey]string{
	ConditionBlinded:       "Blinded",
	ConditionCharmed:       "Charmed",
	ConditionDeafened:      "Deafened",
	ConditionExhausted:     "Exhausted",
	ConditionFrightened:    "Frightened",
	ConditionGrappled:      "Grappled",
	ConditionHidden:        "Hidden",
	ConditionIncapacitated: "Incapacitated",
	ConditionInvisible:     "Invisible",
	ConditionParalyzed:     "Paralyzed",
	ConditionPetrified:     "Petrified",
	ConditionPoisoned:      "Poisoned",
	ConditionProne:         "Prone",
	ConditionRestrained:    "Restrained",
	ConditionStunned:       "Stunned",
}

// NormalizeConditionKey trims and lower-cases a raw condition key.
func NormalizeConditionKey(raw string) ConditionKey {
	return ConditionKey(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether key is one of the catalogued conditions.
func (k ConditionKey) Known() bool {
	_, ok := knownConditions[k]
	return ok
}

// Label returns the display label for key. Uncatalogued keys are title-cased
// with separators turned into spaces.
func (k ConditionKey) Label() string {
	if label, ok := knownConditions[k]; ok {
		return label
	}
	words := strings.NewReplacer("_", " ", "-", " ").Replace(string(k))
	// Casers carry state, so each call gets its own.
	return cases.Title(language.English).String(strings.TrimSpace(words))
}

// KnownConditions returns the catalogued keys in lexical order.
func KnownConditions() []ConditionKey {
	keys := make([]ConditionKey, 0, len(knownConditions))
	for key := range knownConditions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Disposition describes a token's allegiance as shown to players.
type Disposition string

const (
	DispositionAlly    Disposition = "ally"
	DispositionHostile Disposition = "hostile"
	DispositionNeutral Disposition = "neutral"
	DispositionHazard  Disposition = "hazard"
)

// NormalizeDisposition maps raw input onto a known disposition, defaulting to
// neutral.
func NormalizeDisposition(raw string) Disposition {
	switch Disposition(strings.ToLower(strings.TrimSpace(raw))) {
	case DispositionAlly:
		return DispositionAlly
	case DispositionHostile:
		return DispositionHostile
	case DispositionHazard:
		return DispositionHazard
	default:
		return DispositionNeutral
	}
}

// ConditionState is one active condition on a token as the facilitator
// authored it.
type ConditionState struct {
	Key ConditionKey
	// Rounds is nil for indefinite or unknown durations.
	Rounds *int
	// Note is facilitator-only and never projected.
	Note string
}

// MapRef identifies the map a token sits on.
type MapRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Token is the raw read model of one on-map token.
type Token struct {
	ID          string
	Map         MapRef
	Name        string
	Hidden      bool
	Disposition Disposition
	Conditions  []ConditionState
}

// Rounds returns a pointer to n, for building ConditionState values.
func Rounds(n int) *int {
	return &n
}
