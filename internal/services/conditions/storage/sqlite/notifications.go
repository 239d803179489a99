package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

// PutNotification inserts one inbox row. A duplicate recipient and dedupe
// key returns storage.ErrConflict.
func (s *Store) PutNotification(ctx context.Context, record storage.NotificationRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	record.RecipientUserID = strings.TrimSpace(record.RecipientUserID)
	if record.ID == "" || record.RecipientUserID == "" {
		return fmt.Errorf("notification id and recipient are required")
	}
	if strings.TrimSpace(record.PayloadJSON) == "" {
		record.PayloadJSON = "{}"
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notifications (id, recipient_user_id, topic, payload_json, dedupe_key, created_at, read_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.RecipientUserID,
		record.Topic,
		record.PayloadJSON,
		strings.TrimSpace(record.DedupeKey),
		toMillis(record.CreatedAt),
		nullMillis(record.ReadAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}

// GetNotificationByRecipientAndDedupeKey loads one inbox row by dedupe key.
func (s *Store) GetNotificationByRecipientAndDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (storage.NotificationRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.NotificationRecord{}, err
	}
	dedupeKey = strings.TrimSpace(dedupeKey)
	if dedupeKey == "" {
		return storage.NotificationRecord{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, recipient_user_id, topic, payload_json, dedupe_key, created_at, read_at
FROM notifications
WHERE recipient_user_id = ? AND dedupe_key = ?
`, strings.TrimSpace(recipientUserID), dedupeKey)

	var record storage.NotificationRecord
	var createdAt int64
	var readAt sql.NullInt64
	if err := row.Scan(&record.ID, &record.RecipientUserID, &record.Topic, &record.PayloadJSON, &record.DedupeKey, &createdAt, &readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NotificationRecord{}, storage.ErrNotFound
		}
		return storage.NotificationRecord{}, fmt.Errorf("get notification by dedupe key: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ReadAt = fromNullMillis(readAt)
	return record, nil
}

// PutDigestItem stores one pending digest entry. Duplicates return
// storage.ErrConflict.
func (s *Store) PutDigestItem(ctx context.Context, record storage.DigestItemRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" || strings.TrimSpace(record.RecipientUserID) == "" {
		return fmt.Errorf("digest item id and recipient are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO digest_items (id, recipient_user_id, dedupe_key, payload_json, created_at, sent_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.RecipientUserID,
		record.DedupeKey,
		record.PayloadJSON,
		toMillis(record.CreatedAt),
		nullMillis(record.SentAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put digest item: %w", err)
	}
	return nil
}

// ListPendingDigestItems lists unsent digest entries oldest first.
func (s *Store) ListPendingDigestItems(ctx context.Context, recipientUserID string) ([]storage.DigestItemRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, recipient_user_id, dedupe_key, payload_json, created_at, sent_at
FROM digest_items
WHERE recipient_user_id = ? AND sent_at IS NULL
ORDER BY created_at, id
`, strings.TrimSpace(recipientUserID))
	if err != nil {
		return nil, fmt.Errorf("list digest items: %w", err)
	}
	defer rows.Close()

	var records []storage.DigestItemRecord
	for rows.Next() {
		var record storage.DigestItemRecord
		var createdAt int64
		var sentAt sql.NullInt64
		if err := rows.Scan(&record.ID, &record.RecipientUserID, &record.DedupeKey, &record.PayloadJSON, &createdAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan digest row: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		record.SentAt = fromNullMillis(sentAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest rows: %w", err)
	}
	return records, nil
}
