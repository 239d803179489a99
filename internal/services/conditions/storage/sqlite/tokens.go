package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

// PutGroup upserts one group.
func (s *Store) PutGroup(ctx context.Context, record storage.GroupRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO play_groups (id, name, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name
`, record.ID, strings.TrimSpace(record.Name), toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put group: %w", err)
	}
	return nil
}

// PutMap upserts one map.
func (s *Store) PutMap(ctx context.Context, record storage.MapRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	record.GroupID = strings.TrimSpace(record.GroupID)
	if record.ID == "" || record.GroupID == "" {
		return fmt.Errorf("map id and group id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO maps (id, group_id, title) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET group_id = excluded.group_id, title = excluded.title
`, record.ID, record.GroupID, strings.TrimSpace(record.Title))
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("put map: %w", err)
	}
	return nil
}

// PutToken upserts one token.
func (s *Store) PutToken(ctx context.Context, record storage.TokenRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	record.MapID = strings.TrimSpace(record.MapID)
	if record.ID == "" || record.MapID == "" {
		return fmt.Errorf("token id and map id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tokens (id, map_id, name, hidden, disposition) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	map_id = excluded.map_id,
	name = excluded.name,
	hidden = excluded.hidden,
	disposition = excluded.disposition
`, record.ID, record.MapID, record.Name, boolInt(record.Hidden), string(domain.NormalizeDisposition(string(record.Disposition))))
	if err != nil {
		if isForeignKeyConstraintError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

// ListTokensForGroup returns every token on every map of the group together
// with its active conditions, ordered by map then token.
func (s *Store) ListTokensForGroup(ctx context.Context, groupID string) ([]domain.Token, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("group id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT m.id, m.title, t.id, t.name, t.hidden, t.disposition, c.condition_key, c.rounds, c.note
FROM tokens t
JOIN maps m ON m.id = t.map_id
LEFT JOIN token_conditions c ON c.token_id = t.id
WHERE m.group_id = ?
ORDER BY m.id, t.id, c.condition_key
`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list tokens for group: %w", err)
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		var (
			mapID, mapTitle, tokenID, name, disposition string
			hidden                                      int
			conditionKey, note                          sql.NullString
			rounds                                      sql.NullInt64
		)
		if err := rows.Scan(&mapID, &mapTitle, &tokenID, &name, &hidden, &disposition, &conditionKey, &rounds, &note); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		if len(tokens) == 0 || tokens[len(tokens)-1].ID != tokenID {
			tokens = append(tokens, domain.Token{
				ID:          tokenID,
				Map:         domain.MapRef{ID: mapID, Title: mapTitle},
				Name:        name,
				Hidden:      hidden != 0,
				Disposition: domain.NormalizeDisposition(disposition),
			})
		}
		if !conditionKey.Valid {
			continue
		}
		state := domain.ConditionState{Key: domain.ConditionKey(conditionKey.String), Note: note.String}
		if rounds.Valid {
			state.Rounds = domain.Rounds(int(rounds.Int64))
		}
		current := &tokens[len(tokens)-1]
		current.Conditions = append(current.Conditions, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}

// GroupForMap returns the group owning mapID.
func (s *Store) GroupForMap(ctx context.Context, mapID string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	var groupID string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT group_id FROM maps WHERE id = ?`, strings.TrimSpace(mapID)).Scan(&groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get group for map: %w", err)
	}
	return groupID, nil
}

// ApplyConditionEdits applies a batch atomically. Every token must belong to
// mapID or the whole batch fails with storage.ErrNotFound.
func (s *Store) ApplyConditionEdits(ctx context.Context, mapID string, edits []storage.ConditionEdit) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	mapID = strings.TrimSpace(mapID)
	if mapID == "" {
		return fmt.Errorf("map id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin condition edits: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback condition edits: %v", cause, rollbackErr)
		}
		return cause
	}

	now := toMillis(time.Now())
	for _, edit := range edits {
		var found int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE id = ? AND map_id = ?`, edit.TokenID, mapID).Scan(&found)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return rollbackWith(storage.ErrNotFound)
			}
			return rollbackWith(fmt.Errorf("check token %s: %w", edit.TokenID, err))
		}

		if edit.Remove {
			if _, err := tx.ExecContext(ctx, `DELETE FROM token_conditions WHERE token_id = ? AND condition_key = ?`, edit.TokenID, string(edit.Key)); err != nil {
				return rollbackWith(fmt.Errorf("remove condition: %w", err))
			}
			continue
		}

		var rounds sql.NullInt64
		if edit.Rounds != nil {
			rounds = sql.NullInt64{Int64: int64(*edit.Rounds), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO token_conditions (token_id, condition_key, rounds, note, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(token_id, condition_key) DO UPDATE SET
	rounds = excluded.rounds,
	note = excluded.note,
	updated_at = excluded.updated_at
`, edit.TokenID, string(edit.Key), rounds, edit.Note, now); err != nil {
			return rollbackWith(fmt.Errorf("put condition: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit condition edits: %w", err)
	}
	return nil
}
