package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/conditionwatch/internal/platform/errors"
	"github.com/louisbranch/conditionwatch/internal/platform/playertoken"
	"github.com/louisbranch/conditionwatch/internal/platform/requestctx"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/acknowledgement"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/broadcast"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/escalation"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/projection"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/ratelimit"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
)

const maxRequestBodyBytes = 1 << 20

// conditionStore is the persistence surface the HTTP layer touches directly.
type conditionStore interface {
	storage.TokenStore
	storage.MembershipStore
}

// handlers holds the collaborators behind every HTTP route.
type handlers struct {
	store            conditionStore
	projector        *projection.Projector
	engine           *escalation.Engine
	limiter          *ratelimit.Limiter
	acks             *acknowledgement.Service
	hub              *broadcast.Hub
	tokens           playertoken.Config
	circuitThreshold int
	clock            func() time.Time
}

func newHandler(h *handlers) http.Handler {
	if h.clock == nil {
		h.clock = time.Now
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /groups/{groupID}/summary", h.authenticated(h.handleGetSummary))
	mux.Handle("POST /groups/{groupID}/summary/refresh", h.authenticated(h.handleRefreshSummary))
	mux.Handle("POST /groups/{groupID}/acknowledgements", h.authenticated(h.handleAcknowledge))
	mux.Handle("POST /maps/{mapID}/conditions", h.authenticated(h.handleConditionEdits))
	mux.Handle("POST /maps/{mapID}/rate-limit/clear", h.authenticated(h.handleClearRateLimit))
	mux.Handle("GET /me/preferences", h.authenticated(h.handleGetPreferences))
	mux.Handle("PUT /me/preferences", h.authenticated(h.handlePutPreferences))
	mux.Handle("GET /ws", broadcast.Handler(h.hub, h.authorizeSubscription, h.snapshot))
	return mux
}

// authenticated resolves the bearer token into a request identity.
func (h *handlers) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := playertoken.Verify(r.Header.Get("Authorization"), h.tokens)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := requestctx.WithIdentity(r.Context(), requestctx.Identity{UserID: claims.UserID, TokenID: claims.TokenID})
		next(w, r.WithContext(ctx))
	})
}

// requireMember loads the caller's membership in groupID. Facilitator-only
// routes pass elevated=true.
func (h *handlers) requireMember(ctx context.Context, groupID string, elevated bool) (storage.MemberRecord, error) {
	userID := requestctx.UserIDFromContext(ctx)
	member, err := h.store.GetMember(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MemberRecord{}, apperrors.New(apperrors.CodeNotGroupMember, "caller is not a member of the group")
		}
		return storage.MemberRecord{}, err
	}
	if elevated && member.Role != storage.MemberRoleOwner && member.Role != storage.MemberRoleFacilitator {
		return storage.MemberRecord{}, apperrors.New(apperrors.CodeNotGroupMember, "caller is not a facilitator of the group")
	}
	return member, nil
}

func (h *handlers) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupID"))
	if _, err := h.requireMember(r.Context(), groupID, false); err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := h.projector.Project(r.Context(), groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) handleRefreshSummary(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupID"))
	if _, err := h.requireMember(r.Context(), groupID, true); err != nil {
		writeError(w, r, err)
		return
	}
	transition, err := h.projector.RefreshTransition(r.Context(), groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.engine.HandleAsync(r.Context(), groupID, transition.Previous, transition.Current)
	writeJSON(w, http.StatusOK, transition.Current)
}

type acknowledgeRequest struct {
	MapTokenID         string     `json:"map_token_id"`
	ConditionKey       string     `json:"condition_key"`
	SummaryGeneratedAt string     `json:"summary_generated_at"`
	Source             string     `json:"source"`
	QueuedAt           *time.Time `json:"queued_at,omitempty"`
}

func (h *handlers) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupID"))
	member, err := h.requireMember(r.Context(), groupID, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req acknowledgeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.acks.Record(r.Context(), acknowledgement.Input{
		GroupID:            groupID,
		UserID:             member.UserID,
		MapTokenID:         req.MapTokenID,
		ConditionKey:       req.ConditionKey,
		SummaryGeneratedAt: req.SummaryGeneratedAt,
		Source:             req.Source,
		QueuedAt:           req.QueuedAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type conditionEditRequest struct {
	TokenID      string `json:"token_id"`
	ConditionKey string `json:"condition_key"`
	Rounds       *int   `json:"rounds"`
	Note         string `json:"note"`
	Remove       bool   `json:"remove"`
}

type conditionEditsRequest struct {
	Edits          []conditionEditRequest `json:"edits"`
	SelectionCount int                    `json:"selection_count"`
}

type rateLimitedResponse struct {
	Error     errorBody            `json:"error"`
	Violation *ratelimit.Violation `json:"violation,omitempty"`
	Cooldown  int                  `json:"cooldown,omitempty"`
}

// handleConditionEdits applies a batch of condition edits on one map. The
// circuit and both rate-limit tiers are checked before anything is written.
func (h *handlers) handleConditionEdits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mapID := strings.TrimSpace(r.PathValue("mapID"))
	if mapID == "" {
		writeError(w, r, apperrors.New(apperrors.CodeMapIDRequired, "map id is required"))
		return
	}
	groupID, err := h.store.GroupForMap(ctx, mapID)
	if err != nil {
		writeError(w, r, notFound(err, "map not found"))
		return
	}
	member, err := h.requireMember(ctx, groupID, true)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if cooldown, open := h.limiter.CooldownFor(member.UserID, mapID); open {
		circuitErr := apperrors.New(apperrors.CodeCircuitOpen, "condition edits are paused")
		w.Header().Set("Retry-After", strconv.Itoa(cooldown))
		writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Error:    newErrorBody(r, circuitErr),
			Cooldown: cooldown,
		})
		return
	}

	var req conditionEditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	edits, hits, err := normalizeEdits(req.Edits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limitReq := ratelimit.Request{
		UserID:         member.UserID,
		MapID:          mapID,
		TokenHits:      hits,
		SelectionCount: req.SelectionCount,
	}
	release := h.limiter.Acquire(member.UserID, mapID)
	defer release()
	if violation := h.limiter.Check(ctx, limitReq); violation != nil {
		if h.circuitThreshold > 0 && violation.Lockouts >= h.circuitThreshold {
			h.limiter.TriggerCircuit(ctx, member.UserID, mapID)
		}
		limitErr := apperrors.New(apperrors.CodeRateLimited, "too many condition edits")
		w.Header().Set("Retry-After", strconv.Itoa(violation.SuggestedBackoff))
		writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Error:     newErrorBody(r, limitErr),
			Violation: violation,
		})
		return
	}

	// Warm the cache so the refresh below has a pre-edit summary to diff.
	if _, err := h.projector.Project(ctx, groupID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.ApplyConditionEdits(ctx, mapID, edits); err != nil {
		writeError(w, r, notFound(err, "token not found on map"))
		return
	}
	h.limiter.Hit(limitReq)
	release()

	transition, err := h.projector.RefreshTransition(ctx, groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.engine.HandleAsync(ctx, groupID, transition.Previous, transition.Current)
	writeJSON(w, http.StatusOK, transition.Current)
}

func normalizeEdits(raw []conditionEditRequest) ([]storage.ConditionEdit, map[string]int, error) {
	if len(raw) == 0 {
		return nil, nil, apperrors.New(apperrors.CodeInvalidPayload, "at least one edit is required")
	}
	edits := make([]storage.ConditionEdit, 0, len(raw))
	hits := make(map[string]int, len(raw))
	for _, edit := range raw {
		tokenID := strings.TrimSpace(edit.TokenID)
		if tokenID == "" {
			return nil, nil, apperrors.New(apperrors.CodeTokenIDRequired, "token id is required")
		}
		key := domain.NormalizeConditionKey(edit.ConditionKey)
		if key == "" {
			return nil, nil, apperrors.New(apperrors.CodeConditionKeyRequired, "condition key is required")
		}
		if edit.Rounds != nil && *edit.Rounds < 0 {
			return nil, nil, apperrors.New(apperrors.CodeInvalidRounds, "rounds must not be negative")
		}
		edits = append(edits, storage.ConditionEdit{
			TokenID: tokenID,
			Key:     key,
			Rounds:  edit.Rounds,
			Note:    strings.TrimSpace(edit.Note),
			Remove:  edit.Remove,
		})
		hits[tokenID]++
	}
	return edits, hits, nil
}

type clearRateLimitRequest struct {
	UserID   string   `json:"user_id"`
	TokenIDs []string `json:"token_ids"`
}

func (h *handlers) handleClearRateLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mapID := strings.TrimSpace(r.PathValue("mapID"))
	groupID, err := h.store.GroupForMap(ctx, mapID)
	if err != nil {
		writeError(w, r, notFound(err, "map not found"))
		return
	}
	member, err := h.requireMember(ctx, groupID, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req clearRateLimitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = member.UserID
	}
	h.limiter.Clear(userID, mapID, req.TokenIDs)
	log.Printf("conditions: rate limit cleared map=%s user=%s by=%s", mapID, userID, member.UserID)
	w.WriteHeader(http.StatusNoContent)
}

type preferencesPayload struct {
	InApp      bool   `json:"in_app"`
	Push       bool   `json:"push"`
	Email      bool   `json:"email"`
	QuietStart string `json:"quiet_start"`
	QuietEnd   string `json:"quiet_end"`
	Timezone   string `json:"timezone"`
	DigestMode string `json:"digest_mode"`
}

func (h *handlers) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	record, err := h.store.GetPreferences(r.Context(), userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		defaults := escalation.DefaultPreferences()
		record = storage.PreferencesRecord{
			UserID:     userID,
			InApp:      defaults.InApp,
			Push:       defaults.Push,
			Email:      defaults.Email,
			DigestMode: string(defaults.DigestMode),
		}
	}
	writeJSON(w, http.StatusOK, preferencesPayload{
		InApp:      record.InApp,
		Push:       record.Push,
		Email:      record.Email,
		QuietStart: record.QuietStart,
		QuietEnd:   record.QuietEnd,
		Timezone:   record.Timezone,
		DigestMode: record.DigestMode,
	})
}

func (h *handlers) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.QuietStart = strings.TrimSpace(req.QuietStart)
	req.QuietEnd = strings.TrimSpace(req.QuietEnd)
	if req.QuietStart != "" || req.QuietEnd != "" {
		if _, err := escalation.ParseQuietHours(req.QuietStart, req.QuietEnd); err != nil {
			writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidPayload, "quiet hours are invalid", err))
			return
		}
	}
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidPayload, "timezone is invalid", err))
			return
		}
	}
	req.DigestMode = string(escalation.NormalizeDigestMode(req.DigestMode))

	err := h.store.PutPreferences(r.Context(), storage.PreferencesRecord{
		UserID:     requestctx.UserIDFromContext(r.Context()),
		InApp:      req.InApp,
		Push:       req.Push,
		Email:      req.Email,
		QuietStart: req.QuietStart,
		QuietEnd:   req.QuietEnd,
		Timezone:   req.Timezone,
		DigestMode: req.DigestMode,
		UpdatedAt:  h.clock().UTC(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// authorizeSubscription accepts the player token from the token query
// parameter, since browsers cannot set headers on websocket upgrades.
func (h *handlers) authorizeSubscription(r *http.Request) (broadcast.Subscription, int, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = r.Header.Get("Authorization")
	}
	claims, err := playertoken.Verify(raw, h.tokens)
	if err != nil {
		return broadcast.Subscription{}, http.StatusUnauthorized, err
	}
	groupID := strings.TrimSpace(r.URL.Query().Get("group"))
	if groupID == "" {
		return broadcast.Subscription{}, http.StatusBadRequest, errors.New("group is required")
	}
	ctx := requestctx.WithIdentity(r.Context(), requestctx.Identity{UserID: claims.UserID, TokenID: claims.TokenID})
	if _, err := h.requireMember(ctx, groupID, false); err != nil {
		return broadcast.Subscription{}, apperrors.HTTPStatus(err), err
	}
	return broadcast.Subscription{UserID: claims.UserID, GroupID: groupID}, http.StatusOK, nil
}

func (h *handlers) snapshot(ctx context.Context, groupID string) (any, error) {
	return h.projector.Project(ctx, groupID)
}

func notFound(err error, message string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, message, err)
	}
	return err
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidPayload, fmt.Sprintf("decode request: %v", err), err)
	}
	return nil
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func newErrorBody(r *http.Request, err error) errorBody {
	body := errorBody{
		Code:    string(apperrors.CodeOf(err)),
		Message: apperrors.UserMessage(err, r.Header.Get("Accept-Language")),
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && len(domainErr.Metadata) > 0 {
		body.Metadata = domainErr.Metadata
	}
	return body
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("conditions: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: newErrorBody(r, err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
