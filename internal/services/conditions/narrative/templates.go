package narrative

import "github.com/louisbranch/conditionwatch/internal/services/conditions/domain"

const defaultRow = "default"

// Template arguments: %[1]s subject, %[2]s duration phrase, %[3]s condition label.
var defaultTemplates = map[domain.Urgency]string{
	domain.UrgencyCalm:     "%[1]s is affected by %[3]s (%[2]s).",
	domain.UrgencyWarning:  "%[1]s is still under %[3]s (%[2]s).",
	domain.UrgencyCritical: "%[1]s's %[3]s is about to change (%[2]s).",
}

var templates = map[domain.ConditionKey]map[domain.Urgency]string{
	domain.ConditionBlinded: {
		domain.UrgencyCalm:     "%[1]s gropes through darkness (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is blinking the darkness away (%[2]s).",
		domain.UrgencyCritical: "%[1]s's sight is about to return (%[2]s).",
	},
	domain.ConditionCharmed: {
		domain.UrgencyCalm:     "%[1]s is held by a charm (%[2]s).",
		domain.UrgencyWarning:  "%[1]s's devotion is wavering (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to shake off the charm (%[2]s).",
	},
	domain.ConditionDeafened: {
		domain.UrgencyCalm:     "%[1]s hears nothing (%[2]s).",
		domain.UrgencyWarning:  "%[1]s catches faint sounds again (%[2]s).",
		domain.UrgencyCritical: "%[1]s's hearing is nearly back (%[2]s).",
	},
	domain.ConditionExhausted: {
		domain.UrgencyCalm:     "%[1]s drags on, exhausted (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is catching a second wind (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to recover from exhaustion (%[2]s).",
	},
	domain.ConditionFrightened: {
		domain.UrgencyCalm:     "%[1]s trembles in fear (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is steadying their nerve (%[2]s).",
		domain.UrgencyCritical: "%[1]s's fear is about to break (%[2]s).",
	},
	domain.ConditionGrappled: {
		domain.UrgencyCalm:     "%[1]s is pinned in a firm grip (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is working loose (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to break free (%[2]s).",
	},
	domain.ConditionHidden: {
		domain.UrgencyCalm:     "%[1]s keeps to the shadows (%[2]s).",
		domain.UrgencyWarning:  "%[1]s's cover is thinning (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to be spotted (%[2]s).",
	},
	domain.ConditionIncapacitated: {
		domain.UrgencyCalm:     "%[1]s cannot act (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is stirring (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to act again (%[2]s).",
	},
	domain.ConditionInvisible: {
		domain.UrgencyCalm:     "%[1]s is unseen (%[2]s).",
		domain.UrgencyWarning:  "%[1]s's outline flickers (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to reappear (%[2]s).",
	},
	domain.ConditionParalyzed: {
		domain.UrgencyCalm:     "%[1]s is frozen in place (%[2]s).",
		domain.UrgencyWarning:  "%[1]s's fingers twitch (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to move again (%[2]s).",
	},
	domain.ConditionPetrified: {
		domain.UrgencyCalm:     "%[1]s is stone (%[2]s).",
		domain.UrgencyWarning:  "Cracks run across %[1]s (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to shed the stone (%[2]s).",
	},
	domain.ConditionPoisoned: {
		domain.UrgencyCalm:     "%[1]s fights off poison (%[2]s).",
		domain.UrgencyWarning:  "%[1]s's poison is weakening (%[2]s).",
		domain.UrgencyCritical: "%[1]s's poison is about to run its course (%[2]s).",
	},
	domain.ConditionProne: {
		domain.UrgencyCalm:     "%[1]s lies on the ground (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is pushing up (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to stand (%[2]s).",
	},
	domain.ConditionRestrained: {
		domain.UrgencyCalm:     "%[1]s is bound tight (%[2]s).",
		domain.UrgencyWarning:  "%[1]s's bonds are slipping (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to slip free (%[2]s).",
	},
	domain.ConditionStunned: {
		domain.UrgencyCalm:     "%[1]s reels, stunned (%[2]s).",
		domain.UrgencyWarning:  "%[1]s is shaking off the daze (%[2]s).",
		domain.UrgencyCritical: "%[1]s is about to come around (%[2]s).",
	},
}
