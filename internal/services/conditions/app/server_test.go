package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/conditionwatch/internal/platform/playertoken"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/escalation"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/ratelimit"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage/sqlite"
)

var testTokens = playertoken.Config{
	Issuer:   "conditionwatch",
	Audience: "conditionwatch.players",
	Secret:   []byte("0123456789abcdef0123456789abcdef"),
}

type testEnv struct {
	store  *sqlite.Store
	engine *escalation.Engine
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, limits ratelimit.Config, circuitThreshold int) *testEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "conditions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	handler, engine, _, err := wire(store, Config{RateLimit: limits, CircuitThreshold: circuitThreshold}, testTokens)
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		engine.Wait()
		_ = store.Close()
	})
	seedTable(t, store)
	return &testEnv{store: store, engine: engine, srv: srv}
}

func seedTable(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.PutGroup(ctx, storage.GroupRecord{ID: "group-1", Name: "Tuesday"}); err != nil {
		t.Fatalf("put group: %v", err)
	}
	if err := store.PutMap(ctx, storage.MapRecord{ID: "map-1", GroupID: "group-1", Title: "Crypt"}); err != nil {
		t.Fatalf("put map: %v", err)
	}
	for _, token := range []storage.TokenRecord{
		{ID: "tok-goblin", MapID: "map-1", Name: "Goblin", Hidden: true, Disposition: domain.DispositionHostile},
		{ID: "tok-aria", MapID: "map-1", Name: "Aria", Disposition: domain.DispositionAlly},
	} {
		if err := store.PutToken(ctx, token); err != nil {
			t.Fatalf("put token: %v", err)
		}
	}
	for _, member := range []storage.MemberRecord{
		{GroupID: "group-1", UserID: "gm", Role: storage.MemberRoleFacilitator},
		{GroupID: "group-1", UserID: "player", Role: storage.MemberRolePlayer, EscalationConsent: true},
	} {
		if err := store.PutMember(ctx, member); err != nil {
			t.Fatalf("put member: %v", err)
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		token, err := playertoken.Issue(testTokens, userID, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func edit(tokenID, key string, rounds *int) map[string]any {
	return map[string]any{"token_id": tokenID, "condition_key": key, "rounds": rounds}
}

func TestSummaryRequiresPlayerToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodGet, "/groups/group-1/summary", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	body := decodeBody[errorResponse](t, resp)
	if body.Error.Code != "PLAYER_TOKEN_MISSING" {
		t.Fatalf("code = %q, want PLAYER_TOKEN_MISSING", body.Error.Code)
	}
}

func TestSummaryRejectsNonMembers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodGet, "/groups/group-1/summary", "stranger", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestConditionEditsRedactHiddenTokensForPlayers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", map[string]any{
		"edits": []map[string]any{
			edit("tok-goblin", "poisoned", domain.Rounds(3)),
			edit("tok-aria", "blinded", domain.Rounds(6)),
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp = env.do(t, http.MethodGet, "/groups/group-1/summary", "player", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	summary := decodeBody[domain.Summary](t, resp)
	if len(summary.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(summary.Entries))
	}
	for _, entry := range summary.Entries {
		if entry.Token.ID != "tok-goblin" {
			continue
		}
		if entry.Token.Visibility != domain.VisibilityObscured {
			t.Fatalf("goblin visibility = %q, want obscured", entry.Token.Visibility)
		}
		if strings.Contains(entry.Token.Label, "Goblin") {
			t.Fatalf("hidden label leaked: %q", entry.Token.Label)
		}
		if entry.Conditions[0].Rounds != nil {
			t.Fatalf("hidden rounds leaked: %v", *entry.Conditions[0].Rounds)
		}
		return
	}
	t.Fatal("goblin entry missing")
}

func TestConditionEditsRequireFacilitator(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "player", map[string]any{
		"edits": []map[string]any{edit("tok-aria", "prone", nil)},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestConditionEditsValidatePayload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{name: "empty batch", body: map[string]any{"edits": []map[string]any{}}, code: "INVALID_PAYLOAD"},
		{name: "missing key", body: map[string]any{"edits": []map[string]any{edit("tok-aria", " ", nil)}}, code: "CONDITION_KEY_REQUIRED"},
		{name: "negative rounds", body: map[string]any{"edits": []map[string]any{edit("tok-aria", "prone", domain.Rounds(-1))}}, code: "INVALID_ROUNDS"},
	}
	for _, tc := range tests {
		resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, http.StatusBadRequest)
		}
		if got := decodeBody[errorResponse](t, resp).Error.Code; got != tc.code {
			t.Fatalf("%s: code = %q, want %q", tc.name, got, tc.code)
		}
	}
}

func TestConditionEditsUnknownTokenIsNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", map[string]any{
		"edits": []map[string]any{edit("tok-missing", "prone", nil)},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestConditionEditsRateLimitedThenCircuitOpens(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{MapMaxAttempts: 1}, 1)
	body := map[string]any{"edits": []map[string]any{edit("tok-aria", "prone", nil)}}

	if resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first edit status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second edit status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	limited := decodeBody[rateLimitedResponse](t, resp)
	if limited.Error.Code != "RATE_LIMITED" {
		t.Fatalf("code = %q, want RATE_LIMITED", limited.Error.Code)
	}
	if limited.Violation == nil || limited.Violation.Scope != ratelimit.ScopeMap || limited.Violation.Lockouts != 1 {
		t.Fatalf("violation = %+v, want map scope with 1 lockout", limited.Violation)
	}

	resp = env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third edit status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	open := decodeBody[rateLimitedResponse](t, resp)
	if open.Error.Code != "CIRCUIT_OPEN" || open.Cooldown <= 0 {
		t.Fatalf("response = %+v, want CIRCUIT_OPEN with cooldown", open)
	}

	if resp := env.do(t, http.MethodPost, "/maps/map-1/rate-limit/clear", "gm", map[string]any{}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("edit after clear status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestConditionEditsParallelBurstStopsAtLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{MapMaxAttempts: 3, TokenMaxAttempts: 100}, 0)
	raw, err := json.Marshal(map[string]any{"edits": []map[string]any{edit("tok-aria", "prone", nil)}})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	token, err := playertoken.Issue(testTokens, "gm", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	const requests = 12
	statuses := make(chan int, requests)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/maps/map-1/conditions", bytes.NewReader(raw))
			if err != nil {
				t.Errorf("new request: %v", err)
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("do request: %v", err)
				return
			}
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	close(start)
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for status := range statuses {
		counts[status]++
	}
	if counts[http.StatusOK] != 3 || counts[http.StatusTooManyRequests] != requests-3 {
		t.Fatalf("statuses = %v, want 3 OK and %d rate limited", counts, requests-3)
	}
}

func TestConcurrentEditsEscalateOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	prefs := preferencesPayload{Email: true, DigestMode: "weekly"}
	if resp := env.do(t, http.MethodPut, "/me/preferences", "player", prefs); resp.StatusCode != http.StatusOK {
		t.Fatalf("put preferences status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", map[string]any{
		"edits": []map[string]any{edit("tok-aria", "stunned", domain.Rounds(6))},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed edit status = %d", resp.StatusCode)
	}
	env.engine.Wait()

	token, err := playertoken.Issue(testTokens, "gm", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	bodies := [][]byte{}
	for _, e := range []map[string]any{
		edit("tok-aria", "stunned", domain.Rounds(1)),
		edit("tok-goblin", "prone", domain.Rounds(6)),
	} {
		raw, err := json.Marshal(map[string]any{"edits": []map[string]any{e}})
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodies = append(bodies, raw)
	}

	var wg sync.WaitGroup
	for _, raw := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/maps/map-1/conditions", bytes.NewReader(raw))
			if err != nil {
				t.Errorf("new request: %v", err)
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("do request: %v", err)
				return
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("edit status = %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	env.engine.Wait()

	items, err := env.store.ListPendingDigestItems(context.Background(), "player")
	if err != nil {
		t.Fatalf("list digest items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("digest items = %d, want one stunned escalation", len(items))
	}
}

func TestClearRateLimitRequiresFacilitator(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodPost, "/maps/map-1/rate-limit/clear", "player", map[string]any{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestAcknowledgeChecksSummaryVersion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", map[string]any{
		"edits": []map[string]any{edit("tok-aria", "blinded", domain.Rounds(2))},
	})
	summary := decodeBody[domain.Summary](t, resp)
	version := summary.Version()

	resp = env.do(t, http.MethodPost, "/groups/group-1/acknowledgements", "player", map[string]any{
		"map_token_id":         "tok-aria",
		"condition_key":        "blinded",
		"summary_generated_at": "2020-01-01T00:00:00Z",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	conflict := decodeBody[errorResponse](t, resp)
	if conflict.Error.Metadata["summary_generated_at"] != version {
		t.Fatalf("conflict metadata = %v, want version %s", conflict.Error.Metadata, version)
	}

	resp = env.do(t, http.MethodPost, "/groups/group-1/acknowledgements", "player", map[string]any{
		"map_token_id":         "tok-aria",
		"condition_key":        "blinded",
		"summary_generated_at": version,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("current status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var result struct {
		Acknowledgement struct {
			ID     string `json:"id"`
			UserID string `json:"user_id"`
		} `json:"acknowledgement"`
		SummaryGeneratedAt string `json:"summary_generated_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Acknowledgement.ID == "" || result.Acknowledgement.UserID != "player" || result.SummaryGeneratedAt != version {
		t.Fatalf("result = %+v", result)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodGet, "/me/preferences", "player", nil)
	defaults := decodeBody[preferencesPayload](t, resp)
	if !defaults.InApp || !defaults.Push || !defaults.Email || defaults.DigestMode != "off" {
		t.Fatalf("defaults = %+v", defaults)
	}

	want := preferencesPayload{
		InApp:      true,
		Push:       false,
		Email:      true,
		QuietStart: "22:00",
		QuietEnd:   "07:00",
		Timezone:   "America/Sao_Paulo",
		DigestMode: "daily",
	}
	if resp := env.do(t, http.MethodPut, "/me/preferences", "player", want); resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	got := decodeBody[preferencesPayload](t, env.do(t, http.MethodGet, "/me/preferences", "player", nil))
	if got != want {
		t.Fatalf("preferences = %+v, want %+v", got, want)
	}
}

func TestPreferencesRejectInvalidQuietHours(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	resp := env.do(t, http.MethodPut, "/me/preferences", "player", preferencesPayload{QuietStart: "25:00", QuietEnd: "07:00"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWorseningEditFoldsIntoDigest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, ratelimit.Config{}, 0)
	prefs := preferencesPayload{InApp: false, Push: false, Email: true, DigestMode: "weekly"}
	if resp := env.do(t, http.MethodPut, "/me/preferences", "player", prefs); resp.StatusCode != http.StatusOK {
		t.Fatalf("put preferences status = %d", resp.StatusCode)
	}

	steps := []*int{domain.Rounds(6), domain.Rounds(1)}
	for _, rounds := range steps {
		resp := env.do(t, http.MethodPost, "/maps/map-1/conditions", "gm", map[string]any{
			"edits": []map[string]any{edit("tok-aria", "stunned", rounds)},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("edit status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		env.engine.Wait()
	}

	items, err := env.store.ListPendingDigestItems(context.Background(), "player")
	if err != nil {
		t.Fatalf("list digest items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("digest items = %d, want 1", len(items))
	}
	if !strings.Contains(items[0].PayloadJSON, "stunned") {
		t.Fatalf("payload = %s, want stunned escalation", items[0].PayloadJSON)
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	t.Parallel()

	base := Config{
		HTTPAddr:      "127.0.0.1:0",
		DBPath:        filepath.Join(t.TempDir(), "data", "conditions.db"),
		TokenIssuer:   testTokens.Issuer,
		TokenAudience: testTokens.Audience,
		TokenSecret:   string(testTokens.Secret),
	}

	missingAddr := base
	missingAddr.HTTPAddr = ""
	if _, err := NewServer(missingAddr); err == nil {
		t.Fatal("expected http address error")
	}

	weakSecret := base
	weakSecret.TokenSecret = "short"
	if _, err := NewServer(weakSecret); err == nil {
		t.Fatal("expected token secret error")
	}

	server, err := NewServer(base)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.Close()
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Config{
		HTTPAddr:      "127.0.0.1:0",
		HealthAddr:    "127.0.0.1:0",
		DBPath:        filepath.Join(t.TempDir(), "conditions.db"),
		TokenIssuer:   testTokens.Issuer,
		TokenAudience: testTokens.Audience,
		TokenSecret:   string(testTokens.Secret),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen and serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
