package domain

// Urgency classifies how soon a condition runs out.
type Urgency string

const (
	UrgencyCalm     Urgency = "calm"
	UrgencyWarning  Urgency = "warning"
	UrgencyCritical Urgency = "critical"
)

const (
	criticalRoundsMax = 2
	warningRoundsMax  = 4
)

// UrgencyForRounds derives urgency from remaining rounds. An unknown duration
// is reported as a warning rather than calm.
func UrgencyForRounds(rounds *int) Urgency {
	switch {
	case rounds == nil:
		return UrgencyWarning
	case *rounds <= criticalRoundsMax:
		return UrgencyCritical
	case *rounds <= warningRoundsMax:
		return UrgencyWarning
	default:
		return UrgencyCalm
	}
}

// Rank orders urgencies by severity; lower is worse. Unknown values rank as
// calm.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyWarning:
		return 1
	default:
		return 2
	}
}

// MoreSevereThan reports whether u is strictly worse than other.
func (u Urgency) MoreSevereThan(other Urgency) bool {
	return u.Rank() < other.Rank()
}
