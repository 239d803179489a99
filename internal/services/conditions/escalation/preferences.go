package escalation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	// Recipient timezones are resolved on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// Channel is one notification delivery route.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// DigestMode controls whether email escalations are batched.
type DigestMode string

const (
	DigestOff    DigestMode = "off"
	DigestDaily  DigestMode = "daily"
	DigestWeekly DigestMode = "weekly"
)

// NormalizeDigestMode maps unknown values to DigestOff.
func NormalizeDigestMode(raw string) DigestMode {
	switch DigestMode(strings.ToLower(strings.TrimSpace(raw))) {
	case DigestDaily:
		return DigestDaily
	case DigestWeekly:
		return DigestWeekly
	default:
		return DigestOff
	}
}

// Role is a group membership role.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleFacilitator Role = "facilitator"
	RolePlayer      Role = "player"
)

// Recipient is a group member entitled to escalation notifications.
type Recipient struct {
	UserID string
	Role   Role
}

// QuietHours is a daily window expressed as minutes since local midnight.
// The end minute is inclusive.
type QuietHours struct {
	Start int
	End   int
}

// ParseQuietHours parses an "HH:MM" pair. Two empty values mean no window.
func ParseQuietHours(start, end string) (QuietHours, error) {
	if strings.TrimSpace(start) == "" && strings.TrimSpace(end) == "" {
		return QuietHours{}, nil
	}
	startMinute, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours start: %w", err)
	}
	endMinute, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return QuietHours{Start: startMinute, End: endMinute}, nil
}

func parseClock(raw string) (int, error) {
	hours, minutes, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	h, err := strconv.Atoi(hours)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q", raw)
	}
	m, err := strconv.Atoi(minutes)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute %q", raw)
	}
	return h*60 + m, nil
}

// Enabled reports whether the window covers any time at all.
func (q QuietHours) Enabled() bool {
	return q.Start != q.End
}

// Contains reports whether minute falls inside the window. Windows with
// start after end wrap past midnight.
func (q QuietHours) Contains(minute int) bool {
	if !q.Enabled() {
		return false
	}
	if q.Start < q.End {
		return minute >= q.Start && minute <= q.End
	}
	return minute >= q.Start || minute <= q.End
}

// Preferences are one recipient's notification settings.
type Preferences struct {
	InApp      bool
	Push       bool
	Email      bool
	QuietHours QuietHours
	// Timezone is an IANA name; empty or unknown means UTC.
	Timezone   string
	DigestMode DigestMode
}

// DefaultPreferences applies to members who never saved any settings.
func DefaultPreferences() Preferences {
	return Preferences{InApp: true, Push: true, Email: true, DigestMode: DigestOff}
}

// InQuietHours evaluates the window in the recipient's timezone.
func (p Preferences) InQuietHours(at time.Time) bool {
	local := at.In(p.location())
	return p.QuietHours.Contains(local.Hour()*60 + local.Minute())
}

func (p Preferences) location() *time.Location {
	name := strings.TrimSpace(p.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Decision is the channel plan for one recipient and one event.
type Decision struct {
	Channels []Channel
	// Suppressed lists channels withheld because of quiet hours.
	Suppressed []Channel
	// Digest is set when an email was folded into the recipient's digest.
	Digest bool
}

// SelectChannels applies preferences at time at. In-app ignores quiet
// hours and push respects them. Email is folded into the digest whenever
// one is configured, otherwise it respects quiet hours like push.
func SelectChannels(prefs Preferences, at time.Time) Decision {
	var decision Decision
	if prefs.InApp {
		decision.Channels = append(decision.Channels, ChannelInApp)
	}
	quiet := prefs.InQuietHours(at)
	if prefs.Push {
		if quiet {
			decision.Suppressed = append(decision.Suppressed, ChannelPush)
		} else {
			decision.Channels = append(decision.Channels, ChannelPush)
		}
	}
	if prefs.Email {
		switch {
		case NormalizeDigestMode(string(prefs.DigestMode)) != DigestOff:
			decision.Digest = true
		case quiet:
			decision.Suppressed = append(decision.Suppressed, ChannelEmail)
		default:
			decision.Channels = append(decision.Channels, ChannelEmail)
		}
	}
	return decision
}
