// Package escalation diffs successive condition summaries and dispatches a
// notification for every strictly-worsening urgency transition, honoring each
// recipient's channel toggles, quiet hours and digest settings.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/conditionwatch/internal/platform/id"
	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
	"github.com/louisbranch/conditionwatch/internal/platform/timeouts"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

const (
	EventDispatched           = "escalation.dispatched"
	EventSuppressedQuietHours = "escalation.suppressed_quiet_hours"
	EventDigestFolded         = "escalation.digest_folded"

	// TopicConditionEscalated is the notification topic for every channel.
	TopicConditionEscalated = "condition.escalated"

	defaultConcurrency = 4
)

var (
	// ErrGroupIDRequired indicates Handle was called without a group.
	ErrGroupIDRequired = errors.New("group id is required")
	// ErrDirectoryNotConfigured indicates the engine has no recipient directory.
	ErrDirectoryNotConfigured = errors.New("recipient directory is not configured")
)

// Directory resolves who may hear about a group's escalations. Membership
// and consent rules live behind it.
type Directory interface {
	RecipientsFor(ctx context.Context, groupID string) ([]Recipient, error)
	PreferencesFor(ctx context.Context, userID string) (Preferences, error)
}

// Notification is one delivery request handed to a Sender.
type Notification struct {
	ID              string
	RecipientUserID string
	Channel         Channel
	Topic           string
	PayloadJSON     string
	DedupeKey       string
	CreatedAt       time.Time
	Event           Event
}

// Sender delivers notifications over one channel.
type Sender interface {
	Send(ctx context.Context, notification Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, notification Notification) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, notification Notification) error {
	return f(ctx, notification)
}

// Config wires Engine collaborators. Nil senders disable their channel.
type Config struct {
	Directory   Directory
	InApp       Sender
	Push        Sender
	Email       Sender
	Digest      Sender
	Emitter     *telemetry.Emitter
	Clock       func() time.Time
	NewID       func() (string, error)
	Concurrency int
}

// Engine turns summary transitions into notifications.
type Engine struct {
	directory   Directory
	senders     map[Channel]Sender
	digest      Sender
	emitter     *telemetry.Emitter
	clock       func() time.Time
	newID       func() (string, error)
	concurrency int
	tracer      trace.Tracer

	inflight sync.WaitGroup
}

// NewEngine builds an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	senders := make(map[Channel]Sender, 3)
	if cfg.InApp != nil {
		senders[ChannelInApp] = cfg.InApp
	}
	if cfg.Push != nil {
		senders[ChannelPush] = cfg.Push
	}
	if cfg.Email != nil {
		senders[ChannelEmail] = cfg.Email
	}
	return &Engine{
		directory:   cfg.Directory,
		senders:     senders,
		digest:      cfg.Digest,
		emitter:     cfg.Emitter,
		clock:       cfg.Clock,
		newID:       cfg.NewID,
		concurrency: cfg.Concurrency,
		tracer:      otel.Tracer("github.com/louisbranch/conditionwatch/escalation"),
	}
}

// Handle diffs previous against current and dispatches every resulting
// event to the group's recipients. A nil previous summary yields no events.
// Channel failures are logged and never abort other deliveries.
func (e *Engine) Handle(ctx context.Context, groupID string, previous *domain.Summary, current domain.Summary) ([]Event, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, ErrGroupIDRequired
	}
	if current.GroupID == "" {
		current.GroupID = groupID
	}
	events := Diff(previous, current)
	if len(events) == 0 {
		return nil, nil
	}
	if e == nil || e.directory == nil {
		return events, ErrDirectoryNotConfigured
	}

	ctx, span := e.tracer.Start(ctx, "escalation.handle", trace.WithAttributes(
		attribute.String("group.id", groupID),
		attribute.Int("event.count", len(events)),
	))
	defer span.End()

	recipients, err := e.directory.RecipientsFor(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "resolve recipients")
		return events, fmt.Errorf("resolve recipients for group %s: %w", groupID, err)
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, recipient := range recipients {
		g.Go(func() error {
			e.dispatchRecipient(ctx, recipient, events)
			return nil
		})
	}
	_ = g.Wait()
	return events, nil
}

// HandleAsync runs Handle in the background, detached from ctx cancellation
// and bounded by the dispatch timeout.
func (e *Engine) HandleAsync(ctx context.Context, groupID string, previous *domain.Summary, current domain.Summary) {
	if e == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Dispatch)
		defer cancel()
		if _, err := e.Handle(ctx, groupID, previous, current); err != nil {
			log.Printf("escalation: group %s: %v", groupID, err)
		}
	}()
}

// Wait blocks until every HandleAsync call has finished.
func (e *Engine) Wait() {
	if e == nil {
		return
	}
	e.inflight.Wait()
}

func (e *Engine) dispatchRecipient(ctx context.Context, recipient Recipient, events []Event) {
	prefs, err := e.directory.PreferencesFor(ctx, recipient.UserID)
	if err != nil {
		log.Printf("escalation: preferences for %s: %v", recipient.UserID, err)
		return
	}
	now := e.clock().UTC()
	decision := SelectChannels(prefs, now)

	for _, event := range events {
		var delivered []Channel
		for _, channel := range decision.Channels {
			sender, ok := e.senders[channel]
			if !ok {
				continue
			}
			if err := e.send(ctx, sender, recipient, channel, event, now); err != nil {
				log.Printf("escalation: %s to %s for %s/%s: %v", channel, recipient.UserID, event.TokenID, event.ConditionKey, err)
				continue
			}
			delivered = append(delivered, channel)
		}

		if decision.Digest && e.digest != nil {
			if err := e.send(ctx, e.digest, recipient, ChannelEmail, event, now); err != nil {
				log.Printf("escalation: digest for %s: %v", recipient.UserID, err)
			} else {
				e.record(ctx, EventDigestFolded, recipient, event, []Channel{ChannelEmail})
			}
		}
		if len(decision.Suppressed) > 0 {
			e.record(ctx, EventSuppressedQuietHours, recipient, event, decision.Suppressed)
		}
		if len(delivered) > 0 {
			e.record(ctx, EventDispatched, recipient, event, delivered)
		}
	}
}

func (e *Engine) send(ctx context.Context, sender Sender, recipient Recipient, channel Channel, event Event, now time.Time) error {
	notificationID, err := e.newID()
	if err != nil {
		return fmt.Errorf("new notification id: %w", err)
	}
	payload, err := json.Marshal(newPayload(event))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return sender.Send(ctx, Notification{
		ID:              notificationID,
		RecipientUserID: recipient.UserID,
		Channel:         channel,
		Topic:           TopicConditionEscalated,
		PayloadJSON:     string(payload),
		DedupeKey:       event.DedupeKey(),
		CreatedAt:       now,
		Event:           event,
	})
}

func (e *Engine) record(ctx context.Context, name string, recipient Recipient, event Event, channels []Channel) {
	names := make([]string, 0, len(channels))
	for _, channel := range channels {
		names = append(names, string(channel))
	}
	e.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:    name,
		GroupID: event.GroupID,
		ActorID: recipient.UserID,
		Attributes: map[string]any{
			"map_id":           event.Map.ID,
			"token_id":         event.TokenID,
			"condition_key":    string(event.ConditionKey),
			"previous_urgency": string(event.PreviousUrgency),
			"new_urgency":      string(event.NewUrgency),
			"channels":         names,
		},
	})
}

// Payload is the JSON body shared by every channel.
type Payload struct {
	GroupID         string        `json:"group_id"`
	Map             domain.MapRef `json:"map"`
	TokenID         string        `json:"token_id"`
	TokenLabel      string        `json:"token_label"`
	ConditionKey    string        `json:"condition_key"`
	ConditionLabel  string        `json:"condition_label"`
	PreviousUrgency string        `json:"previous_urgency"`
	NewUrgency      string        `json:"new_urgency"`
	Summary         string        `json:"summary"`
	Version         string        `json:"summary_generated_at"`
}

func newPayload(event Event) Payload {
	return Payload{
		GroupID:         event.GroupID,
		Map:             event.Map,
		TokenID:         event.TokenID,
		TokenLabel:      event.TokenLabel,
		ConditionKey:    string(event.ConditionKey),
		ConditionLabel:  event.ConditionLabel,
		PreviousUrgency: string(event.PreviousUrgency),
		NewUrgency:      string(event.NewUrgency),
		Summary:         event.Summary,
		Version:         event.Version,
	}
}
