package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

// GetAcknowledgement loads the acknowledgement for one user, condition and
// summary version.
func (s *Store) GetAcknowledgement(ctx context.Context, userID, tokenID string, key domain.ConditionKey, summaryVersion string) (storage.AcknowledgementRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AcknowledgementRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, group_id, user_id, token_id, condition_key, summary_version, source, queued_at, created_at
FROM acknowledgements
WHERE user_id = ? AND token_id = ? AND condition_key = ? AND summary_version = ?
`, userID, tokenID, string(key), summaryVersion)

	var record storage.AcknowledgementRecord
	var conditionKey string
	var queuedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&record.ID,
		&record.GroupID,
		&record.UserID,
		&record.TokenID,
		&conditionKey,
		&record.SummaryVersion,
		&record.Source,
		&queuedAt,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AcknowledgementRecord{}, storage.ErrNotFound
		}
		return storage.AcknowledgementRecord{}, fmt.Errorf("get acknowledgement: %w", err)
	}
	record.ConditionKey = domain.ConditionKey(conditionKey)
	record.QueuedAt = fromNullMillis(queuedAt)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// PutAcknowledgement inserts one acknowledgement. A second acknowledgement
// of the same condition version by the same user returns storage.ErrConflict.
func (s *Store) PutAcknowledgement(ctx context.Context, record storage.AcknowledgementRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO acknowledgements (
	id, group_id, user_id, token_id, condition_key, summary_version, source, queued_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.GroupID,
		record.UserID,
		record.TokenID,
		string(record.ConditionKey),
		record.SummaryVersion,
		record.Source,
		nullMillis(record.QueuedAt),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put acknowledgement: %w", err)
	}
	return nil
}
