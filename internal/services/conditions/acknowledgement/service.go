// Package acknowledgement records player acknowledgements of conditions
// against the summary version the player was looking at.
package acknowledgement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/conditionwatch/internal/platform/errors"
	"github.com/louisbranch/conditionwatch/internal/platform/id"
	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

const (
	EventRecorded = "acknowledgement.recorded"
	EventConflict = "acknowledgement.conflict"

	SourceOnline       = "online"
	SourceOfflineQueue = "offline-queue"
)

// ErrStoreNotConfigured indicates the service has no persistence wiring.
var ErrStoreNotConfigured = errors.New("acknowledgement store is not configured")

// SummarySource supplies the current summary of a group.
type SummarySource interface {
	Project(ctx context.Context, groupID string) (domain.Summary, error)
}

// Input is one acknowledgement request.
type Input struct {
	GroupID            string
	UserID             string
	MapTokenID         string
	ConditionKey       string
	SummaryGeneratedAt string
	Source             string
	QueuedAt           *time.Time
}

// Acknowledgement is the stored acknowledgement as returned to clients.
type Acknowledgement struct {
	ID                 string              `json:"id"`
	GroupID            string              `json:"group_id"`
	UserID             string              `json:"user_id"`
	MapTokenID         string              `json:"map_token_id"`
	ConditionKey       domain.ConditionKey `json:"condition_key"`
	SummaryGeneratedAt string              `json:"summary_generated_at"`
	Source             string              `json:"source"`
	QueuedAt           *time.Time          `json:"queued_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// Result is the success payload.
type Result struct {
	Acknowledgement    Acknowledgement `json:"acknowledgement"`
	SummaryGeneratedAt string          `json:"summary_generated_at"`
}

// Service validates and stores acknowledgements.
type Service struct {
	summaries SummarySource
	store     storage.AcknowledgementStore
	emitter   *telemetry.Emitter
	clock     func() time.Time
	newID     func() (string, error)
}

// NewService constructs the acknowledgement use-case.
func NewService(summaries SummarySource, store storage.AcknowledgementStore, emitter *telemetry.Emitter, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		summaries: summaries,
		store:     store,
		emitter:   emitter,
		clock:     clock,
		newID:     newID,
	}
}

// Record stores an acknowledgement when the client's summary version is
// still current and the condition is still present. Repeating the same
// acknowledgement returns the stored record.
func (s *Service) Record(ctx context.Context, input Input) (Result, error) {
	if s == nil || s.store == nil || s.summaries == nil {
		return Result{}, ErrStoreNotConfigured
	}
	input, version, err := normalizeInput(input)
	if err != nil {
		return Result{}, err
	}
	key := domain.NormalizeConditionKey(input.ConditionKey)

	summary, err := s.summaries.Project(ctx, input.GroupID)
	if err != nil {
		return Result{}, fmt.Errorf("load summary: %w", err)
	}
	current := summary.Version()
	if domain.FormatVersion(version) != current {
		s.conflict(ctx, input, key, current, "version")
		return Result{}, apperrors.WithMetadata(apperrors.CodeSummaryVersionConflict,
			"summary version has moved on",
			map[string]string{"summary_generated_at": current})
	}
	if _, ok := summary.Index()[domain.ConditionRef{TokenID: input.MapTokenID, ConditionKey: key}]; !ok {
		s.conflict(ctx, input, key, current, "condition")
		return Result{}, apperrors.WithMetadata(apperrors.CodeConditionNotActive,
			"condition is no longer active",
			map[string]string{"summary_generated_at": current})
	}

	existing, err := s.store.GetAcknowledgement(ctx, input.UserID, input.MapTokenID, key, current)
	if err == nil {
		return Result{Acknowledgement: fromRecord(existing), SummaryGeneratedAt: current}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	ackID, err := s.newID()
	if err != nil {
		return Result{}, fmt.Errorf("new acknowledgement id: %w", err)
	}
	record := storage.AcknowledgementRecord{
		ID:             ackID,
		GroupID:        input.GroupID,
		UserID:         input.UserID,
		TokenID:        input.MapTokenID,
		ConditionKey:   key,
		SummaryVersion: current,
		Source:         input.Source,
		QueuedAt:       input.QueuedAt,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.store.PutAcknowledgement(ctx, record); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return Result{}, err
		}
		existing, lookupErr := s.store.GetAcknowledgement(ctx, input.UserID, input.MapTokenID, key, current)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		return Result{Acknowledgement: fromRecord(existing), SummaryGeneratedAt: current}, nil
	}

	attributes := map[string]any{
		"token_id":      record.TokenID,
		"condition_key": string(key),
		"source":        record.Source,
	}
	if record.QueuedAt != nil {
		attributes["lag_ms"] = record.CreatedAt.Sub(*record.QueuedAt).Milliseconds()
	}
	s.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:       EventRecorded,
		GroupID:    record.GroupID,
		ActorID:    record.UserID,
		Attributes: attributes,
	})
	return Result{Acknowledgement: fromRecord(record), SummaryGeneratedAt: current}, nil
}

func (s *Service) conflict(ctx context.Context, input Input, key domain.ConditionKey, current, reason string) {
	s.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:     EventConflict,
		Severity: telemetry.SeverityWarn,
		GroupID:  input.GroupID,
		ActorID:  input.UserID,
		Attributes: map[string]any{
			"token_id":        input.MapTokenID,
			"condition_key":   string(key),
			"client_version":  input.SummaryGeneratedAt,
			"current_version": current,
			"reason":          reason,
		},
	})
}

func normalizeInput(input Input) (Input, time.Time, error) {
	input.GroupID = strings.TrimSpace(input.GroupID)
	input.UserID = strings.TrimSpace(input.UserID)
	input.MapTokenID = strings.TrimSpace(input.MapTokenID)
	input.ConditionKey = strings.TrimSpace(input.ConditionKey)
	input.SummaryGeneratedAt = strings.TrimSpace(input.SummaryGeneratedAt)
	input.Source = strings.TrimSpace(input.Source)

	switch {
	case input.GroupID == "":
		return Input{}, time.Time{}, apperrors.New(apperrors.CodeGroupIDRequired, "group id is required")
	case input.UserID == "":
		return Input{}, time.Time{}, apperrors.New(apperrors.CodePlayerTokenMissing, "user identity is required")
	case input.MapTokenID == "":
		return Input{}, time.Time{}, apperrors.New(apperrors.CodeTokenIDRequired, "map token id is required")
	case input.ConditionKey == "":
		return Input{}, time.Time{}, apperrors.New(apperrors.CodeConditionKeyRequired, "condition key is required")
	}
	version, err := domain.ParseVersion(input.SummaryGeneratedAt)
	if err != nil {
		return Input{}, time.Time{}, apperrors.Wrap(apperrors.CodeSummaryVersionFormat, "invalid summary_generated_at", err)
	}
	if input.Source == "" {
		input.Source = SourceOnline
		if input.QueuedAt != nil {
			input.Source = SourceOfflineQueue
		}
	}
	if input.QueuedAt != nil {
		queuedAt := input.QueuedAt.UTC()
		input.QueuedAt = &queuedAt
	}
	return input, version, nil
}

func fromRecord(record storage.AcknowledgementRecord) Acknowledgement {
	return Acknowledgement{
		ID:                 record.ID,
		GroupID:            record.GroupID,
		UserID:             record.UserID,
		MapTokenID:         record.TokenID,
		ConditionKey:       record.ConditionKey,
		SummaryGeneratedAt: record.SummaryVersion,
		Source:             record.Source,
		QueuedAt:           record.QueuedAt,
		CreatedAt:          record.CreatedAt,
	}
}
