package projection

import (
	"strings"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/narrative"
)

// ObscuredLabel replaces the name of every hidden token.
const ObscuredLabel = "Something unseen"

// obscuredLabelAlt is used when a token's real name collides with the
// placeholder, so the label still never equals the raw name.
const obscuredLabelAlt = "Something else unseen"

// ProjectToken converts one raw token into its player-safe entry. It reports
// false when the token carries no projectable condition.
func ProjectToken(loc narrative.Localizer, token domain.Token) (domain.Entry, bool) {
	if len(token.Conditions) == 0 {
		return domain.Entry{}, false
	}

	view := domain.TokenView{
		ID:          token.ID,
		Label:       strings.TrimSpace(token.Name),
		Visibility:  domain.VisibilityVisible,
		Disposition: domain.NormalizeDisposition(string(token.Disposition)),
	}
	if token.Hidden {
		view.Visibility = domain.VisibilityObscured
		view.Label = ObscuredLabel
		if strings.EqualFold(strings.TrimSpace(token.Name), ObscuredLabel) {
			view.Label = obscuredLabelAlt
		}
	}

	seen := make(map[domain.ConditionKey]struct{}, len(token.Conditions))
	conditions := make([]domain.ProjectedCondition, 0, len(token.Conditions))
	for _, raw := range token.Conditions {
		key := domain.NormalizeConditionKey(string(raw.Key))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		conditions = append(conditions, projectCondition(loc, view, token.Hidden, key, raw.Rounds))
	}
	if len(conditions) == 0 {
		return domain.Entry{}, false
	}

	return domain.Entry{
		Map:        token.Map,
		Token:      view,
		Conditions: conditions,
	}, true
}

func projectCondition(loc narrative.Localizer, view domain.TokenView, hidden bool, key domain.ConditionKey, rawRounds *int) domain.ProjectedCondition {
	rounds := clampRounds(rawRounds)
	urgency := domain.UrgencyForRounds(rounds)

	projected := domain.ProjectedCondition{
		Key:     key,
		Label:   key.Label(),
		Urgency: urgency,
	}
	input := narrative.Input{
		Key:     key,
		Urgency: urgency,
		Subject: view.Label,
	}
	if hidden {
		hint := narrative.HintForRounds(rounds)
		projected.RoundsHint = &hint
		input.Hint = hint
	} else {
		projected.Rounds = rounds
		input.Rounds = rounds
	}
	projected.Summary = narrative.Render(loc, input)
	return projected
}

// clampRounds copies rounds so the summary never aliases raw state, and
// treats negative counts as expired.
func clampRounds(rounds *int) *int {
	if rounds == nil {
		return nil
	}
	value := *rounds
	if value < 0 {
		value = 0
	}
	return &value
}
