// Package projection builds and caches the player-safe condition Summary for
// a group and publishes it to live subscribers on refresh.
package projection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/conditionwatch/internal/platform/errors"
	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/narrative"
)

const (
	EventCacheMiss    = "projection.cache_miss"
	EventCacheRebuilt = "projection.cache_rebuilt"
)

// TokenSource is the raw token/condition read model.
type TokenSource interface {
	ListTokensForGroup(ctx context.Context, groupID string) ([]domain.Token, error)
}

// Publisher receives every summary produced by Refresh. Publish must not
// block on slow subscribers.
type Publisher interface {
	PublishSummary(ctx context.Context, summary domain.Summary)
}

// Config wires Projector collaborators.
type Config struct {
	Source    TokenSource
	Cache     Cache
	Publisher Publisher
	Emitter   *telemetry.Emitter
	Clock     func() time.Time
	// Locale selects the narrative catalog; empty means English.
	Locale string
}

// Projector produces cached Summaries. Cache hits take no locks; rebuilds
// for one group are serialized so concurrent misses cannot store divergent
// versions.
type Projector struct {
	source    TokenSource
	cache     Cache
	publisher Publisher
	emitter   *telemetry.Emitter
	clock     func() time.Time
	localizer narrative.Localizer
	tracer    trace.Tracer

	mu     sync.Mutex
	groups map[string]*groupState
}

type groupState struct {
	mu   sync.Mutex
	last time.Time
}

// NewProjector builds a Projector. Source is required.
func NewProjector(cfg Config) (*Projector, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Projector{
		source:    cfg.Source,
		cache:     cfg.Cache,
		publisher: cfg.Publisher,
		emitter:   cfg.Emitter,
		clock:     cfg.Clock,
		localizer: narrative.Printer(cfg.Locale),
		tracer:    otel.Tracer("github.com/louisbranch/conditionwatch/projection"),
		groups:    make(map[string]*groupState),
	}, nil
}

// Project returns the cached summary for groupID, rebuilding it on a miss.
func (p *Projector) Project(ctx context.Context, groupID string) (domain.Summary, error) {
	groupID, err := normalizeGroupID(groupID)
	if err != nil {
		return domain.Summary{}, err
	}
	if summary, ok := p.cache.Get(groupID); ok {
		return summary, nil
	}

	state := p.state(groupID)
	state.mu.Lock()
	defer state.mu.Unlock()

	// Another caller may have finished the rebuild while we waited.
	if summary, ok := p.cache.Get(groupID); ok {
		return summary, nil
	}
	return p.rebuildLocked(ctx, groupID, state)
}

// Transition is one refresh: the summary it replaced, if one was cached, and
// the summary it produced.
type Transition struct {
	Previous *domain.Summary
	Current  domain.Summary
}

// Refresh discards the cached summary, rebuilds it and publishes the result.
func (p *Projector) Refresh(ctx context.Context, groupID string) (domain.Summary, error) {
	transition, err := p.RefreshTransition(ctx, groupID)
	if err != nil {
		return domain.Summary{}, err
	}
	return transition.Current, nil
}

// RefreshTransition behaves like Refresh and also returns the summary that
// was cached when the rebuild took the group lock. Concurrent refreshes of a
// group therefore report a chain of transitions that never overlap.
func (p *Projector) RefreshTransition(ctx context.Context, groupID string) (Transition, error) {
	groupID, err := normalizeGroupID(groupID)
	if err != nil {
		return Transition{}, err
	}

	state := p.state(groupID)
	state.mu.Lock()
	var transition Transition
	if cached, ok := p.cache.Get(groupID); ok {
		transition.Previous = &cached
	}
	p.cache.Invalidate(groupID)
	transition.Current, err = p.rebuildLocked(ctx, groupID, state)
	state.mu.Unlock()
	if err != nil {
		return Transition{}, err
	}

	if p.publisher != nil {
		p.publisher.PublishSummary(ctx, transition.Current)
	}
	return transition, nil
}

func (p *Projector) rebuildLocked(ctx context.Context, groupID string, state *groupState) (domain.Summary, error) {
	ctx, span := p.tracer.Start(ctx, "projection.rebuild", trace.WithAttributes(attribute.String("group.id", groupID)))
	defer span.End()

	p.emitter.EmitBestEffort(ctx, telemetry.Event{Name: EventCacheMiss, GroupID: groupID})

	tokens, err := p.source.ListTokensForGroup(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "list tokens")
		return domain.Summary{}, fmt.Errorf("list tokens for group %s: %w", groupID, err)
	}

	summary := domain.Summary{
		GroupID:     groupID,
		GeneratedAt: p.nextVersion(state),
		Entries:     p.buildEntries(tokens),
	}
	p.cache.Set(summary)

	span.SetAttributes(attribute.Int("entry.count", len(summary.Entries)))
	p.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:       EventCacheRebuilt,
		GroupID:    groupID,
		Attributes: map[string]any{"entry_count": len(summary.Entries), "version": summary.Version()},
	})
	return summary, nil
}

func (p *Projector) buildEntries(tokens []domain.Token) []domain.Entry {
	ordered := make([]domain.Token, len(tokens))
	copy(ordered, tokens)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Map.ID != ordered[j].Map.ID {
			return ordered[i].Map.ID < ordered[j].Map.ID
		}
		return ordered[i].ID < ordered[j].ID
	})

	entries := make([]domain.Entry, 0, len(ordered))
	for _, token := range ordered {
		entry, ok := ProjectToken(p.localizer, token)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// nextVersion returns a timestamp strictly after the group's previous
// version, even when the wall clock stalls or steps backwards.
func (p *Projector) nextVersion(state *groupState) time.Time {
	now := p.clock().UTC().Truncate(time.Microsecond)
	if !now.After(state.last) {
		now = state.last.Add(time.Microsecond)
	}
	state.last = now
	return now
}

func (p *Projector) state(groupID string) *groupState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.groups[groupID]
	if !ok {
		state = &groupState{}
		p.groups[groupID] = state
	}
	return state
}

func normalizeGroupID(groupID string) (string, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return "", apperrors.New(apperrors.CodeGroupIDRequired, "group id is required")
	}
	return groupID, nil
}
