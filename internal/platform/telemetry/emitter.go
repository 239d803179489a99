package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"
)

// Severity describes the telemetry severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event is one operational observation.
type Event struct {
	Timestamp  time.Time
	Name       string
	Severity   Severity
	GroupID    string
	ActorID    string
	Attributes map[string]any
}

// EventStore persists telemetry events.
type EventStore interface {
	AppendTelemetryEvent(ctx context.Context, evt Event) error
}

// Emitter records operational telemetry events.
type Emitter struct {
	store EventStore
	clock func() time.Time
}

// NewEmitter creates a new telemetry emitter.
func NewEmitter(store EventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records a telemetry event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}

// EmitBestEffort records an event and logs, rather than returns, failures.
// Callers on hot paths use it so telemetry outages never fail a request.
func (e *Emitter) EmitBestEffort(ctx context.Context, evt Event) {
	if err := e.Emit(ctx, evt); err != nil {
		log.Printf("telemetry %s: %v", evt.Name, err)
	}
}

// LogStore writes events to the standard logger.
type LogStore struct {
	Logger *log.Logger
}

// AppendTelemetryEvent implements EventStore.
func (s LogStore) AppendTelemetryEvent(_ context.Context, evt Event) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("%s %s%s", evt.Severity, evt.Name, formatAttributes(evt))
	return nil
}

func formatAttributes(evt Event) string {
	var b strings.Builder
	if evt.GroupID != "" {
		b.WriteString(" group=")
		b.WriteString(evt.GroupID)
	}
	keys := make([]string, 0, len(evt.Attributes))
	for key := range evt.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		encoded, err := json.Marshal(evt.Attributes[key])
		if err != nil {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.Write(encoded)
	}
	return b.String()
}
