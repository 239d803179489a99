package escalation

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates an inbox record was not found.
	ErrNotFound = errors.New("inbox notification not found")
	// ErrConflict indicates an inbox write collided with an existing dedupe key.
	ErrConflict = errors.New("inbox notification conflict")
	// ErrInboxNotConfigured indicates the inbox sender has no store.
	ErrInboxNotConfigured = errors.New("inbox store is not configured")
	// ErrRecipientUserIDRequired indicates a notification has no recipient.
	ErrRecipientUserIDRequired = errors.New("recipient user id is required")
)

// InboxStore persists in-app notifications.
type InboxStore interface {
	GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (Notification, error)
	PutNotification(ctx context.Context, notification Notification) error
}

// Inbox is the in-app Sender. Repeated deliveries of the same event to the
// same recipient collapse onto the first stored notification.
type Inbox struct {
	store InboxStore
	clock func() time.Time
}

// NewInbox creates an in-app sender over store.
func NewInbox(store InboxStore, clock func() time.Time) *Inbox {
	if clock == nil {
		clock = time.Now
	}
	return &Inbox{store: store, clock: clock}
}

// Send implements Sender.
func (i *Inbox) Send(ctx context.Context, notification Notification) error {
	if i == nil || i.store == nil {
		return ErrInboxNotConfigured
	}
	notification.RecipientUserID = strings.TrimSpace(notification.RecipientUserID)
	if notification.RecipientUserID == "" {
		return ErrRecipientUserIDRequired
	}
	notification.DedupeKey = strings.TrimSpace(notification.DedupeKey)
	if notification.DedupeKey != "" {
		_, err := i.store.GetNotificationByRecipientAndDedupeKey(ctx, notification.RecipientUserID, notification.DedupeKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = i.clock().UTC()
	}
	notification.Channel = ChannelInApp
	if err := i.store.PutNotification(ctx, notification); err != nil {
		if notification.DedupeKey != "" && errors.Is(err, ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

var _ Sender = (*Inbox)(nil)
