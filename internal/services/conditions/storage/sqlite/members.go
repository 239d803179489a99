package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

// PutMember upserts one group membership.
func (s *Store) PutMember(ctx context.Context, record storage.MemberRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.GroupID = strings.TrimSpace(record.GroupID)
	record.UserID = strings.TrimSpace(record.UserID)
	if record.GroupID == "" || record.UserID == "" {
		return fmt.Errorf("group id and user id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO group_members (group_id, user_id, role, escalation_consent) VALUES (?, ?, ?, ?)
ON CONFLICT(group_id, user_id) DO UPDATE SET
	role = excluded.role,
	escalation_consent = excluded.escalation_consent
`, record.GroupID, record.UserID, string(record.Role), boolInt(record.EscalationConsent))
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

// GetMember loads one membership.
func (s *Store) GetMember(ctx context.Context, groupID string, userID string) (storage.MemberRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.MemberRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT group_id, user_id, role, escalation_consent
FROM group_members
WHERE group_id = ? AND user_id = ?
`, strings.TrimSpace(groupID), strings.TrimSpace(userID))
	record, err := scanMember(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MemberRecord{}, storage.ErrNotFound
		}
		return storage.MemberRecord{}, fmt.Errorf("get member: %w", err)
	}
	return record, nil
}

// ListRecipients returns owners and facilitators plus players who consented
// to escalation notifications.
func (s *Store) ListRecipients(ctx context.Context, groupID string) ([]storage.MemberRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT group_id, user_id, role, escalation_consent
FROM group_members
WHERE group_id = ?
  AND (role IN (?, ?) OR (role = ? AND escalation_consent = 1))
ORDER BY user_id
`, strings.TrimSpace(groupID), storage.MemberRoleOwner, storage.MemberRoleFacilitator, storage.MemberRolePlayer)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var records []storage.MemberRecord
	for rows.Next() {
		record, err := scanMember(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}
	return records, nil
}

// GetPreferences loads one user's notification preferences.
func (s *Store) GetPreferences(ctx context.Context, userID string) (storage.PreferencesRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PreferencesRecord{}, err
	}
	var (
		record             storage.PreferencesRecord
		inApp, push, email int
		updatedAt          int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, in_app, push, email, quiet_start, quiet_end, timezone, digest_mode, updated_at
FROM notification_preferences
WHERE user_id = ?
`, strings.TrimSpace(userID)).Scan(
		&record.UserID,
		&inApp,
		&push,
		&email,
		&record.QuietStart,
		&record.QuietEnd,
		&record.Timezone,
		&record.DigestMode,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PreferencesRecord{}, storage.ErrNotFound
		}
		return storage.PreferencesRecord{}, fmt.Errorf("get preferences: %w", err)
	}
	record.InApp = inApp != 0
	record.Push = push != 0
	record.Email = email != 0
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutPreferences upserts one user's notification preferences.
func (s *Store) PutPreferences(ctx context.Context, record storage.PreferencesRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.UserID = strings.TrimSpace(record.UserID)
	if record.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_preferences (
	user_id, in_app, push, email, quiet_start, quiet_end, timezone, digest_mode, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	in_app = excluded.in_app,
	push = excluded.push,
	email = excluded.email,
	quiet_start = excluded.quiet_start,
	quiet_end = excluded.quiet_end,
	timezone = excluded.timezone,
	digest_mode = excluded.digest_mode,
	updated_at = excluded.updated_at
`,
		record.UserID,
		boolInt(record.InApp),
		boolInt(record.Push),
		boolInt(record.Email),
		strings.TrimSpace(record.QuietStart),
		strings.TrimSpace(record.QuietEnd),
		strings.TrimSpace(record.Timezone),
		strings.TrimSpace(record.DigestMode),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put preferences: %w", err)
	}
	return nil
}

func scanMember(scan scanner) (storage.MemberRecord, error) {
	var record storage.MemberRecord
	var role string
	var consent int
	if err := scan(&record.GroupID, &record.UserID, &role, &consent); err != nil {
		return storage.MemberRecord{}, err
	}
	record.Role = storage.MemberRole(role)
	record.EscalationConsent = consent != 0
	return record, nil
}
