package escalation

import "github.com/louisbranch/conditionwatch/internal/services/conditions/domain"

// Event is one strictly-worsening urgency transition between two summaries.
type Event struct {
	GroupID         string
	Map             domain.MapRef
	TokenID         string
	TokenLabel      string
	ConditionKey    domain.ConditionKey
	ConditionLabel  string
	PreviousUrgency domain.Urgency
	NewUrgency      domain.Urgency
	// Summary is the already-redacted narrative of the current condition.
	Summary string
	// Version is the generated_at of the summary that produced the event.
	Version string
}

// DedupeKey identifies the event across retries of the same diff pass.
func (e Event) DedupeKey() string {
	return e.GroupID + ":" + e.TokenID + ":" + string(e.ConditionKey) + ":" + string(e.NewUrgency) + ":" + e.Version
}

// Diff returns an Event for every condition whose urgency is strictly more
// severe in current than in previous. Conditions absent from previous, and a
// nil previous, produce nothing.
func Diff(previous *domain.Summary, current domain.Summary) []Event {
	if previous == nil {
		return nil
	}
	before := previous.Index()
	version := current.Version()

	var events []Event
	for _, entry := range current.Entries {
		for _, condition := range entry.Conditions {
			prior, ok := before[domain.ConditionRef{TokenID: entry.Token.ID, ConditionKey: condition.Key}]
			if !ok {
				continue
			}
			if !condition.Urgency.MoreSevereThan(prior.Condition.Urgency) {
				continue
			}
			events = append(events, Event{
				GroupID:         current.GroupID,
				Map:             entry.Map,
				TokenID:         entry.Token.ID,
				TokenLabel:      entry.Token.Label,
				ConditionKey:    condition.Key,
				ConditionLabel:  condition.Label,
				PreviousUrgency: prior.Condition.Urgency,
				NewUrgency:      condition.Urgency,
				Summary:         condition.Summary,
				Version:         version,
			})
		}
	}
	return events
}
