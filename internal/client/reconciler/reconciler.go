// Package reconciler keeps a player's condition acknowledgements durable
// while the client is offline and replays them once the server is back.
//
// Acknowledgements that the server rejects because its summary has moved on
// are parked in a conflict set until the caller resolves them explicitly.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/conditionwatch/internal/platform/id"
	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

const (
	EventRecorded = "acknowledgement.recorded"
	EventQueued   = "acknowledgement.queued"
	EventConflict = "acknowledgement.conflict"
	EventFlushed  = "acknowledgement.flushed"

	sourceOnline       = "online"
	sourceOfflineQueue = "offline-queue"
)

var (
	// ErrGroupIDRequired indicates the reconciler was built without a group.
	ErrGroupIDRequired = errors.New("group id is required")
	// ErrConflictNotFound indicates ResolveConflict named an unknown item.
	ErrConflictNotFound = errors.New("conflict not found")
)

// Outcome is the result of one acknowledgement attempt.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeQueued   Outcome = "queued"
	OutcomeConflict Outcome = "conflict"
)

// Item is one acknowledgement waiting for the server.
type Item struct {
	ID             string    `json:"id"`
	TokenID        string    `json:"token_id"`
	ConditionKey   string    `json:"condition_key"`
	SummaryVersion string    `json:"summary_version"`
	QueuedAt       time.Time `json:"queued_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	// ServerVersion is the server summary version reported with a conflict.
	ServerVersion string `json:"server_version,omitempty"`
}

func (i Item) ref() domain.ConditionRef {
	return domain.ConditionRef{TokenID: i.TokenID, ConditionKey: domain.ConditionKey(i.ConditionKey)}
}

// queueState is the persisted queue document.
type queueState struct {
	Items     []Item `json:"items"`
	Conflicts []Item `json:"conflicts"`
}

// Acknowledged records one acknowledgement the server confirmed.
type Acknowledged struct {
	AcknowledgementID string    `json:"acknowledgement_id"`
	TokenID           string    `json:"token_id"`
	ConditionKey      string    `json:"condition_key"`
	SummaryVersion    string    `json:"summary_version"`
	AcknowledgedAt    time.Time `json:"acknowledged_at"`
}

// LocalSummary is the client's last-known view of the group summary.
type LocalSummary struct {
	GroupID      string          `json:"group_id"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Summary      *domain.Summary `json:"summary,omitempty"`
	Acknowledged []Acknowledged  `json:"acknowledged"`
}

// advance moves the version forward only; an older version never replaces a
// newer one.
func (s *LocalSummary) advance(at time.Time) bool {
	if at.IsZero() || !at.After(s.GeneratedAt) {
		return false
	}
	s.GeneratedAt = at.UTC()
	return true
}

func (s *LocalSummary) merge(summary domain.Summary) bool {
	if !s.advance(summary.GeneratedAt) {
		return false
	}
	copied := summary
	s.Summary = &copied
	return true
}

func (s *LocalSummary) record(ack Acknowledged) {
	for _, existing := range s.Acknowledged {
		if existing.TokenID == ack.TokenID && existing.ConditionKey == ack.ConditionKey && existing.SummaryVersion == ack.SummaryVersion {
			return
		}
	}
	s.Acknowledged = append(s.Acknowledged, ack)
}

// IsAcknowledged reports whether the condition was acknowledged against the
// given summary version.
func (s LocalSummary) IsAcknowledged(tokenID, conditionKey, version string) bool {
	for _, ack := range s.Acknowledged {
		if ack.TokenID == tokenID && ack.ConditionKey == conditionKey && ack.SummaryVersion == version {
			return true
		}
	}
	return false
}

// Transport talks to the conditions server.
type Transport interface {
	Acknowledge(ctx context.Context, groupID string, req AckRequest) (AckResponse, error)
	FetchSummary(ctx context.Context, groupID string) (domain.Summary, error)
}

// Config wires a Reconciler.
type Config struct {
	GroupID   string
	Transport Transport
	Store     Store
	Emitter   *telemetry.Emitter
	Clock     func() time.Time
	NewID     func() (string, error)
}

// Reconciler owns one group's acknowledgement queue.
type Reconciler struct {
	groupID   string
	transport Transport
	store     Store
	emitter   *telemetry.Emitter
	clock     func() time.Time
	newID     func() (string, error)

	// flushing serializes flush passes.
	flushing sync.Mutex

	mu      sync.Mutex
	state   queueState
	summary LocalSummary
}

// New builds a reconciler and hydrates it from the store.
func New(ctx context.Context, cfg Config) (*Reconciler, error) {
	groupID := strings.TrimSpace(cfg.GroupID)
	if groupID == "" {
		return nil, ErrGroupIDRequired
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	r := &Reconciler{
		groupID:   groupID,
		transport: cfg.Transport,
		store:     cfg.Store,
		emitter:   cfg.Emitter,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
		summary:   LocalSummary{GroupID: groupID},
	}
	if err := r.Hydrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Hydrate merges stored state into memory. Items already present by id are
// kept as they are, so hydrating the same queue twice changes nothing.
func (r *Reconciler) Hydrate(_ context.Context) error {
	var stored queueState
	if _, err := r.store.Load(QueueKey(r.groupID), &stored); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	var storedSummary LocalSummary
	if _, err := r.store.Load(SummaryKey(r.groupID), &storedSummary); err != nil {
		return fmt.Errorf("load summary: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Items = mergeByID(r.state.Items, stored.Items)
	r.state.Items = latestPerCondition(r.state.Items)
	r.state.Conflicts = mergeByID(r.state.Conflicts, stored.Conflicts)
	if storedSummary.Summary != nil {
		r.summary.merge(*storedSummary.Summary)
	} else {
		r.summary.advance(storedSummary.GeneratedAt)
	}
	for _, ack := range storedSummary.Acknowledged {
		r.summary.record(ack)
	}
	return nil
}

// Enqueue stores an acknowledgement for later replay. A queued item for the
// same token and condition is replaced when the new one is at least as
// recent.
func (r *Reconciler) Enqueue(_ context.Context, tokenID, conditionKey, summaryVersion string) (Item, error) {
	item, err := r.newItem(tokenID, conditionKey, summaryVersion)
	if err != nil {
		return Item{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var stored Item
	err = r.updateQueueLocked(func(state *queueState) (bool, error) {
		stored = enqueueInto(state, item)
		return true, nil
	})
	if err != nil {
		return Item{}, err
	}
	return stored, nil
}

func (r *Reconciler) newItem(tokenID, conditionKey, summaryVersion string) (Item, error) {
	tokenID = strings.TrimSpace(tokenID)
	key := domain.NormalizeConditionKey(conditionKey)
	summaryVersion = strings.TrimSpace(summaryVersion)
	switch {
	case tokenID == "":
		return Item{}, errors.New("token id is required")
	case key == "":
		return Item{}, errors.New("condition key is required")
	case summaryVersion == "":
		return Item{}, errors.New("summary version is required")
	}
	now := r.clock().UTC()
	itemID, err := r.newID()
	if err != nil {
		return Item{}, fmt.Errorf("new queue item id: %w", err)
	}
	return Item{
		ID:             itemID,
		TokenID:        tokenID,
		ConditionKey:   string(key),
		SummaryVersion: summaryVersion,
		QueuedAt:       now,
	}, nil
}

// enqueueInto adds item to state, replacing a queued item for the same token
// and condition unless that one is more recent.
func enqueueInto(state *queueState, item Item) Item {
	for i, existing := range state.Items {
		if existing.ref() != item.ref() {
			continue
		}
		if item.QueuedAt.Before(existing.QueuedAt) {
			return existing
		}
		state.Items[i] = item
		return item
	}
	state.Items = append(state.Items, item)
	return item
}

// Result reports what Acknowledge did.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Item    *Item         `json:"item,omitempty"`
	Ack     *Acknowledged `json:"acknowledgement,omitempty"`
}

// Acknowledge writes the acknowledgement immediately when the server is
// reachable, and queues it otherwise. Server conflicts go to the conflict
// set and are never retried on their own.
func (r *Reconciler) Acknowledge(ctx context.Context, tokenID, conditionKey, summaryVersion string) (Result, error) {
	item, err := r.newItem(tokenID, conditionKey, summaryVersion)
	if err != nil {
		return Result{}, err
	}

	resp, err := r.transport.Acknowledge(ctx, r.groupID, AckRequest{
		MapTokenID:         item.TokenID,
		ConditionKey:       item.ConditionKey,
		SummaryGeneratedAt: item.SummaryVersion,
		Source:             sourceOnline,
	})
	if err == nil {
		ack, err := r.applied(ctx, item, resp, EventRecorded)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeApplied, Ack: &ack}, nil
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		item.ServerVersion = conflict.ServerVersion
		item.LastError = conflict.Error()
		if err := r.addConflict(ctx, item); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeConflict, Item: &item}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if !errors.Is(err, ErrOffline) {
		item.Attempts = 1
		item.LastError = err.Error()
		log.Printf("reconciler: acknowledge %s/%s rejected, queued: %v", item.TokenID, item.ConditionKey, err)
	}

	var stored Item
	r.mu.Lock()
	persistErr := r.updateQueueLocked(func(state *queueState) (bool, error) {
		stored = enqueueInto(state, item)
		return true, nil
	})
	r.mu.Unlock()
	if persistErr != nil {
		return Result{}, persistErr
	}
	r.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:    EventQueued,
		GroupID: r.groupID,
		Attributes: map[string]any{
			"token_id":      stored.TokenID,
			"condition_key": stored.ConditionKey,
			"reason":        err.Error(),
		},
	})
	return Result{Outcome: OutcomeQueued, Item: &stored}, nil
}

// applied records a server-confirmed acknowledgement locally.
func (r *Reconciler) applied(ctx context.Context, item Item, resp AckResponse, event string) (Acknowledged, error) {
	now := r.clock().UTC()
	ack := Acknowledged{
		AcknowledgementID: resp.Acknowledgement.ID,
		TokenID:           item.TokenID,
		ConditionKey:      item.ConditionKey,
		SummaryVersion:    item.SummaryVersion,
		AcknowledgedAt:    now,
	}

	r.mu.Lock()
	err := r.updateSummaryLocked(func(summary *LocalSummary) {
		summary.record(ack)
		if version, err := domain.ParseVersion(resp.SummaryGeneratedAt); err == nil {
			summary.advance(version)
		}
	})
	if err == nil {
		// A confirmed acknowledgement supersedes queued copies of the same
		// condition that are not newer than it.
		err = r.updateQueueLocked(func(state *queueState) (bool, error) {
			kept := state.Items[:0]
			for _, queued := range state.Items {
				if queued.ref() == item.ref() && !queued.QueuedAt.After(item.QueuedAt) {
					continue
				}
				kept = append(kept, queued)
			}
			changed := len(kept) != len(state.Items)
			state.Items = kept
			return changed, nil
		})
	}
	r.mu.Unlock()
	if err != nil {
		return Acknowledged{}, err
	}

	attributes := map[string]any{
		"token_id":           item.TokenID,
		"condition_key":      item.ConditionKey,
		"acknowledgement_id": ack.AcknowledgementID,
	}
	if event == EventFlushed {
		attributes["lag_ms"] = now.Sub(item.QueuedAt).Milliseconds()
		attributes["attempts"] = item.Attempts
	}
	r.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:       event,
		GroupID:    r.groupID,
		Attributes: attributes,
	})
	return ack, nil
}

func (r *Reconciler) addConflict(ctx context.Context, item Item) error {
	r.mu.Lock()
	err := r.updateQueueLocked(func(state *queueState) (bool, error) {
		state.Items = removeByID(state.Items, item.ID)
		state.Conflicts = mergeByID(state.Conflicts, []Item{item})
		return true, nil
	})
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.emitter.EmitBestEffort(ctx, telemetry.Event{
		Name:     EventConflict,
		Severity: telemetry.SeverityWarn,
		GroupID:  r.groupID,
		Attributes: map[string]any{
			"token_id":       item.TokenID,
			"condition_key":  item.ConditionKey,
			"client_version": item.SummaryVersion,
			"server_version": item.ServerVersion,
		},
	})
	return nil
}

// ResolveConflict settles one conflict. An empty retryVersion discards it;
// otherwise the item is queued again against retryVersion with its attempts
// reset.
func (r *Reconciler) ResolveConflict(_ context.Context, itemID, retryVersion string) error {
	itemID = strings.TrimSpace(itemID)
	retryVersion = strings.TrimSpace(retryVersion)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateQueueLocked(func(state *queueState) (bool, error) {
		var (
			item  Item
			found bool
		)
		for _, conflict := range state.Conflicts {
			if conflict.ID == itemID {
				item, found = conflict, true
				break
			}
		}
		if !found {
			return false, ErrConflictNotFound
		}
		state.Conflicts = removeByID(state.Conflicts, itemID)
		if retryVersion != "" {
			item.SummaryVersion = retryVersion
			item.Attempts = 0
			item.LastError = ""
			item.ServerVersion = ""
			enqueueInto(state, item)
		}
		return true, nil
	})
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	// Skipped is set when another pass was already running.
	Skipped   bool `json:"skipped"`
	Flushed   int  `json:"flushed"`
	Conflicts int  `json:"conflicts"`
	Remaining int  `json:"remaining"`
}

// FlushQueue replays queued items oldest first. Confirmed items leave the
// queue, conflicts move to the conflict set, and the first other failure
// ends the pass with the item kept and its attempts incremented. A call made
// while another pass is running returns immediately.
func (r *Reconciler) FlushQueue(ctx context.Context) (FlushResult, error) {
	if !r.flushing.TryLock() {
		return FlushResult{Skipped: true}, nil
	}
	defer r.flushing.Unlock()

	var result FlushResult
	for _, item := range r.pending() {
		if err := ctx.Err(); err != nil {
			result.Remaining = r.remaining()
			return result, err
		}
		resp, err := r.transport.Acknowledge(ctx, r.groupID, AckRequest{
			MapTokenID:         item.TokenID,
			ConditionKey:       item.ConditionKey,
			SummaryGeneratedAt: item.SummaryVersion,
			Source:             sourceOfflineQueue,
			QueuedAt:           &item.QueuedAt,
		})
		if err == nil {
			if err := r.removeItem(item.ID); err != nil {
				return result, err
			}
			if _, err := r.applied(ctx, item, resp, EventFlushed); err != nil {
				return result, err
			}
			result.Flushed++
			continue
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			item.ServerVersion = conflict.ServerVersion
			item.LastError = conflict.Error()
			if err := r.addConflict(ctx, item); err != nil {
				return result, err
			}
			result.Conflicts++
			continue
		}

		if persistErr := r.recordFailure(item.ID, err); persistErr != nil {
			return result, persistErr
		}
		result.Remaining = r.remaining()
		return result, fmt.Errorf("flush %s: %w", item.ID, err)
	}
	result.Remaining = r.remaining()
	return result, nil
}

// SyncSummary fetches the server summary and merges it when newer.
func (r *Reconciler) SyncSummary(ctx context.Context) (LocalSummary, error) {
	summary, err := r.transport.FetchSummary(ctx, r.groupID)
	if err != nil {
		return LocalSummary{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateSummaryLocked(func(local *LocalSummary) {
		local.merge(summary)
	}); err != nil {
		return LocalSummary{}, err
	}
	return r.summary, nil
}

// Items returns the queued items oldest first.
func (r *Reconciler) Items() []Item {
	return r.pending()
}

// Conflicts returns the unresolved conflicts.
func (r *Reconciler) Conflicts() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.state.Conflicts...)
}

// Summary returns the last-known summary.
func (r *Reconciler) Summary() LocalSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.summary
	out.Acknowledged = append([]Acknowledged(nil), r.summary.Acknowledged...)
	return out
}

func (r *Reconciler) pending() []Item {
	r.mu.Lock()
	items := append([]Item(nil), r.state.Items...)
	r.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (r *Reconciler) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.Items)
}

func (r *Reconciler) removeItem(itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateQueueLocked(func(state *queueState) (bool, error) {
		state.Items = removeByID(state.Items, itemID)
		return true, nil
	})
}

func (r *Reconciler) recordFailure(itemID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateQueueLocked(func(state *queueState) (bool, error) {
		for i := range state.Items {
			if state.Items[i].ID == itemID {
				state.Items[i].Attempts++
				state.Items[i].LastError = cause.Error()
			}
		}
		return true, nil
	})
}

// updateQueueLocked applies mutate to the stored queue under the store lock
// and adopts the result, so items written by another process sharing the
// store are kept.
func (r *Reconciler) updateQueueLocked(mutate func(*queueState) (bool, error)) error {
	var (
		state     queueState
		mutateErr error
	)
	err := r.store.Update(QueueKey(r.groupID), &state, func(bool) (bool, error) {
		var save bool
		save, mutateErr = mutate(&state)
		return save, mutateErr
	})
	if mutateErr != nil {
		return mutateErr
	}
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	r.state = state
	return nil
}

// updateSummaryLocked applies mutate to the stored summary merged with the
// in-memory one. Versions only move forward.
func (r *Reconciler) updateSummaryLocked(mutate func(*LocalSummary)) error {
	var stored LocalSummary
	err := r.store.Update(SummaryKey(r.groupID), &stored, func(bool) (bool, error) {
		stored.GroupID = r.groupID
		if r.summary.Summary != nil {
			stored.merge(*r.summary.Summary)
		}
		stored.advance(r.summary.GeneratedAt)
		for _, ack := range r.summary.Acknowledged {
			stored.record(ack)
		}
		mutate(&stored)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	r.summary = stored
	return nil
}

func mergeByID(current, incoming []Item) []Item {
	seen := make(map[string]struct{}, len(current))
	for _, item := range current {
		seen[item.ID] = struct{}{}
	}
	for _, item := range incoming {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		current = append(current, item)
	}
	return current
}

// latestPerCondition keeps the most recently queued item per token and
// condition, preserving first-seen order.
func latestPerCondition(items []Item) []Item {
	index := make(map[domain.ConditionRef]int, len(items))
	out := make([]Item, 0, len(items))
	for _, item := range items {
		pos, ok := index[item.ref()]
		if !ok {
			index[item.ref()] = len(out)
			out = append(out, item)
			continue
		}
		if !item.QueuedAt.Before(out[pos].QueuedAt) {
			out[pos] = item
		}
	}
	return out
}

func removeByID(items []Item, itemID string) []Item {
	out := items[:0]
	for _, item := range items {
		if item.ID != itemID {
			out = append(out, item)
		}
	}
	return out
}
