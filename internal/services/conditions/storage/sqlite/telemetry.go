package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
)

// AppendTelemetryEvent implements telemetry.EventStore.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt telemetry.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	attributes := []byte("{}")
	if len(evt.Attributes) > 0 {
		encoded, err := json.Marshal(evt.Attributes)
		if err != nil {
			return fmt.Errorf("encode telemetry attributes: %w", err)
		}
		attributes = encoded
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO telemetry_events (occurred_at, name, severity, group_id, actor_id, attributes_json)
VALUES (?, ?, ?, ?, ?, ?)
`, toMillis(evt.Timestamp), evt.Name, string(evt.Severity), evt.GroupID, evt.ActorID, string(attributes))
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

// CountTelemetryEvents returns how many events named name were recorded.
func (s *Store) CountTelemetryEvents(ctx context.Context, name string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM telemetry_events WHERE name = ?`, name).Scan(&count); err != nil {
		return 0, fmt.Errorf("count telemetry events: %w", err)
	}
	return count, nil
}
