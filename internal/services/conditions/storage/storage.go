// Package storage defines persistence contracts for the conditions service.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// GroupRecord is one play group.
type GroupRecord struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// MapRecord is one battle map inside a group.
type MapRecord struct {
	ID      string
	GroupID string
	Title   string
}

// TokenRecord is one token placed on a map.
type TokenRecord struct {
	ID          string
	MapID       string
	Name        string
	Hidden      bool
	Disposition domain.Disposition
}

// ConditionEdit is one change inside a batched edit. Remove deletes the
// condition; otherwise it is inserted or replaced.
type ConditionEdit struct {
	TokenID string
	Key     domain.ConditionKey
	Rounds  *int
	Note    string
	Remove  bool
}

// MemberRole is a group membership role.
type MemberRole string

const (
	MemberRoleOwner       MemberRole = "owner"
	MemberRoleFacilitator MemberRole = "facilitator"
	MemberRolePlayer      MemberRole = "player"
)

// MemberRecord is one user's membership in a group.
type MemberRecord struct {
	GroupID string
	UserID  string
	Role    MemberRole
	// EscalationConsent opts a player into escalation notifications.
	EscalationConsent bool
}

// PreferencesRecord stores one user's notification settings.
type PreferencesRecord struct {
	UserID     string
	InApp      bool
	Push       bool
	Email      bool
	QuietStart string
	QuietEnd   string
	Timezone   string
	DigestMode string
	UpdatedAt  time.Time
}

// NotificationRecord is one in-app inbox item.
type NotificationRecord struct {
	ID              string
	RecipientUserID string
	Topic           string
	PayloadJSON     string
	DedupeKey       string
	CreatedAt       time.Time
	ReadAt          *time.Time
}

// DigestItemRecord is one escalation waiting for the recipient's digest.
type DigestItemRecord struct {
	ID              string
	RecipientUserID string
	DedupeKey       string
	PayloadJSON     string
	CreatedAt       time.Time
	SentAt          *time.Time
}

// AcknowledgementRecord is one player acknowledgement of a condition as it
// appeared in a specific summary version.
type AcknowledgementRecord struct {
	ID             string
	GroupID        string
	UserID         string
	TokenID        string
	ConditionKey   domain.ConditionKey
	SummaryVersion string
	Source         string
	QueuedAt       *time.Time
	CreatedAt      time.Time
}

// TokenStore is the raw token and condition read/write model.
type TokenStore interface {
	ListTokensForGroup(ctx context.Context, groupID string) ([]domain.Token, error)
	GroupForMap(ctx context.Context, mapID string) (string, error)
	ApplyConditionEdits(ctx context.Context, mapID string, edits []ConditionEdit) error
}

// MembershipStore resolves group members and their preferences.
type MembershipStore interface {
	GetMember(ctx context.Context, groupID string, userID string) (MemberRecord, error)
	ListRecipients(ctx context.Context, groupID string) ([]MemberRecord, error)
	GetPreferences(ctx context.Context, userID string) (PreferencesRecord, error)
	PutPreferences(ctx context.Context, record PreferencesRecord) error
}

// NotificationStore persists in-app inbox items.
type NotificationStore interface {
	PutNotification(ctx context.Context, record NotificationRecord) error
	GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (NotificationRecord, error)
}

// DigestStore persists escalations folded into digests.
type DigestStore interface {
	PutDigestItem(ctx context.Context, record DigestItemRecord) error
	ListPendingDigestItems(ctx context.Context, recipientUserID string) ([]DigestItemRecord, error)
}

// AcknowledgementStore persists acknowledgements.
type AcknowledgementStore interface {
	GetAcknowledgement(ctx context.Context, userID, tokenID string, key domain.ConditionKey, summaryVersion string) (AcknowledgementRecord, error)
	PutAcknowledgement(ctx context.Context, record AcknowledgementRecord) error
}

// Store is the full persistence surface used by the server runtime.
type Store interface {
	TokenStore
	MembershipStore
	NotificationStore
	DigestStore
	AcknowledgementStore
	telemetry.EventStore
	Close() error
}
