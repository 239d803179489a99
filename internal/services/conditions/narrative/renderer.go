// Package narrative renders the one-line player-facing sentence attached to
// every projected condition.
//
// Sentences come from a (condition, urgency) template table registered in
// golang.org/x/text/message catalogs. Keys missing from the table use the
// default row, and locales missing a translation fall back to English.
package narrative

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// Hint values shown instead of exact rounds for obscured tokens.
const (
	HintFading     = "fading"
	HintLingering  = "lingering"
	HintPersistent = "persistent"
	HintUnknown    = "unknown"
)

// Input is one narrative render request.
type Input struct {
	Key     domain.ConditionKey
	Urgency domain.Urgency
	// Subject is the token label as players see it.
	Subject string
	// Rounds is only set for visible tokens.
	Rounds *int
	// Hint replaces Rounds for obscured tokens.
	Hint string
}

var english = message.NewPrinter(language.English)

// Printer returns a localizer for the requested locale.
func Printer(locale string) Localizer {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return english
	}
	return message.NewPrinter(tag)
}

// Render returns the narrative sentence for one condition.
func Render(loc Localizer, input Input) string {
	if loc == nil {
		loc = english
	}
	subject := strings.TrimSpace(input.Subject)
	if subject == "" {
		subject = localize(loc, "narrative.subject.someone")
	}
	duration := durationPhrase(loc, input)

	key := templateKey(input.Key, input.Urgency)
	return localize(loc, key, subject, duration, input.Key.Label())
}

// HintForRounds buckets a countdown into a qualitative hint.
func HintForRounds(rounds *int) string {
	switch domain.UrgencyForRounds(rounds) {
	case domain.UrgencyCritical:
		return HintFading
	case domain.UrgencyCalm:
		return HintPersistent
	default:
		if rounds == nil {
			return HintUnknown
		}
		return HintLingering
	}
}

func durationPhrase(loc Localizer, input Input) string {
	if input.Rounds != nil {
		if *input.Rounds == 1 {
			return localize(loc, "narrative.rounds.one")
		}
		return localize(loc, "narrative.rounds.other", *input.Rounds)
	}
	hint := strings.TrimSpace(input.Hint)
	if hint == "" {
		hint = HintUnknown
	}
	return localize(loc, "narrative.hint."+hint)
}

func templateKey(key domain.ConditionKey, urgency domain.Urgency) string {
	if row, ok := templates[key]; ok {
		if _, ok := row[urgency]; ok {
			return messageKey(string(key), urgency)
		}
	}
	if _, ok := defaultTemplates[urgency]; ok {
		return messageKey(defaultRow, urgency)
	}
	return messageKey(defaultRow, domain.UrgencyWarning)
}

func messageKey(row string, urgency domain.Urgency) string {
	return "narrative." + row + "." + string(urgency)
}

// localize renders key in loc, retrying in English when the locale has no
// translation for it.
func localize(loc Localizer, key string, args ...any) string {
	value := loc.Sprintf(key, args...)
	if value != key && !strings.HasPrefix(value, key+"%!") {
		return value
	}
	return english.Sprintf(key, args...)
}
