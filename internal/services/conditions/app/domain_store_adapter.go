package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/escalation"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

// inboxStoreAdapter exposes the SQLite notification table as an
// escalation.InboxStore.
type inboxStoreAdapter struct {
	store storage.NotificationStore
}

func newInboxStoreAdapter(store storage.NotificationStore) *inboxStoreAdapter {
	return &inboxStoreAdapter{store: store}
}

func (a *inboxStoreAdapter) GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (escalation.Notification, error) {
	if a == nil || a.store == nil {
		return escalation.Notification{}, escalation.ErrInboxNotConfigured
	}
	record, err := a.store.GetNotificationByRecipientAndDedupeKey(ctx, recipientUserID, dedupeKey)
	if err != nil {
		return escalation.Notification{}, mapStorageError(err)
	}
	return toInboxNotification(record), nil
}

func (a *inboxStoreAdapter) PutNotification(ctx context.Context, notification escalation.Notification) error {
	if a == nil || a.store == nil {
		return escalation.ErrInboxNotConfigured
	}
	return mapStorageError(a.store.PutNotification(ctx, toStorageNotification(notification)))
}

func toInboxNotification(record storage.NotificationRecord) escalation.Notification {
	return escalation.Notification{
		ID:              record.ID,
		RecipientUserID: record.RecipientUserID,
		Channel:         escalation.ChannelInApp,
		Topic:           record.Topic,
		PayloadJSON:     record.PayloadJSON,
		DedupeKey:       record.DedupeKey,
		CreatedAt:       record.CreatedAt,
	}
}

func toStorageNotification(notification escalation.Notification) storage.NotificationRecord {
	return storage.NotificationRecord{
		ID:              notification.ID,
		RecipientUserID: notification.RecipientUserID,
		Topic:           notification.Topic,
		PayloadJSON:     notification.PayloadJSON,
		DedupeKey:       notification.DedupeKey,
		CreatedAt:       notification.CreatedAt,
	}
}

func mapStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return escalation.ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return escalation.ErrConflict
	default:
		return err
	}
}

// directoryAdapter resolves escalation recipients from group memberships.
type directoryAdapter struct {
	store storage.MembershipStore
}

func newDirectoryAdapter(store storage.MembershipStore) *directoryAdapter {
	return &directoryAdapter{store: store}
}

func (a *directoryAdapter) RecipientsFor(ctx context.Context, groupID string) ([]escalation.Recipient, error) {
	if a == nil || a.store == nil {
		return nil, escalation.ErrDirectoryNotConfigured
	}
	members, err := a.store.ListRecipients(ctx, groupID)
	if err != nil {
		return nil, err
	}
	recipients := make([]escalation.Recipient, 0, len(members))
	for _, member := range members {
		recipients = append(recipients, escalation.Recipient{
			UserID: member.UserID,
			Role:   escalation.Role(member.Role),
		})
	}
	return recipients, nil
}

// PreferencesFor returns stored preferences, or the defaults for users who
// never saved any.
func (a *directoryAdapter) PreferencesFor(ctx context.Context, userID string) (escalation.Preferences, error) {
	if a == nil || a.store == nil {
		return escalation.Preferences{}, escalation.ErrDirectoryNotConfigured
	}
	record, err := a.store.GetPreferences(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return escalation.DefaultPreferences(), nil
		}
		return escalation.Preferences{}, err
	}
	return toPreferences(record), nil
}

func toPreferences(record storage.PreferencesRecord) escalation.Preferences {
	prefs := escalation.Preferences{
		InApp:      record.InApp,
		Push:       record.Push,
		Email:      record.Email,
		Timezone:   record.Timezone,
		DigestMode: escalation.NormalizeDigestMode(record.DigestMode),
	}
	if record.QuietStart != "" || record.QuietEnd != "" {
		quiet, err := escalation.ParseQuietHours(record.QuietStart, record.QuietEnd)
		if err != nil {
			log.Printf("conditions: ignore quiet hours for user %s: %v", record.UserID, err)
		} else {
			prefs.QuietHours = quiet
		}
	}
	return prefs
}

// digestSender folds escalations into the recipient's pending digest.
type digestSender struct {
	store storage.DigestStore
}

func (s digestSender) Send(ctx context.Context, notification escalation.Notification) error {
	if s.store == nil {
		return fmt.Errorf("digest store is not configured")
	}
	err := s.store.PutDigestItem(ctx, storage.DigestItemRecord{
		ID:              notification.ID,
		RecipientUserID: notification.RecipientUserID,
		DedupeKey:       notification.DedupeKey,
		PayloadJSON:     notification.PayloadJSON,
		CreatedAt:       notification.CreatedAt,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

// logMailer stands in for an email provider and records each message.
type logMailer struct {
	logf func(format string, args ...any)
}

func (m logMailer) Send(_ context.Context, notification escalation.Notification) error {
	logf := m.logf
	if logf == nil {
		logf = log.Printf
	}
	logf("conditions: email to=%s topic=%s dedupe=%s at=%s", notification.RecipientUserID, notification.Topic, notification.DedupeKey, notification.CreatedAt.UTC().Format(time.RFC3339))
	return nil
}
