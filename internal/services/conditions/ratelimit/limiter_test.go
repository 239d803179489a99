package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(NewMemoryStore(clock.Now), cfg, nil), clock
}

func mapLockouts(l *Limiter, userID, mapID string) int {
	return l.store.Attempts(lockoutKey(mapKey(userID, mapID)))
}

func TestSuggestedBackoffGrowth(t *testing.T) {
	previous := 0
	for lockouts := 0; lockouts <= 6; lockouts++ {
		got := SuggestedBackoff(30, lockouts, 0)
		if got <= previous {
			t.Fatalf("lockouts %d backoff %d not above %d", lockouts, got, previous)
		}
		previous = got
	}
	if got := SuggestedBackoff(30, 7, 0); got != previous {
		t.Fatalf("exponent cap: got %d, want %d", got, previous)
	}
	if got := SuggestedBackoff(890, 6, 0); got != MaxBackoffSeconds {
		t.Fatalf("ceiling: got %d, want %d", got, MaxBackoffSeconds)
	}
	if got := SuggestedBackoff(10, 1, 6); got != 10+8 {
		t.Fatalf("selection weight: got %d, want 18", got)
	}
}

func TestMapTierTrips(t *testing.T) {
	limiter, _ := newTestLimiter(Config{MapMaxAttempts: 3})
	req := Request{UserID: "user-1", MapID: "map-1"}
	for i := 0; i < 3; i++ {
		if v := limiter.Check(context.Background(), req); v != nil {
			t.Fatalf("attempt %d: unexpected violation %+v", i, v)
		}
		limiter.Hit(req)
	}
	v := limiter.Check(context.Background(), req)
	if v == nil {
		t.Fatal("expected violation")
	}
	if v.Scope != ScopeMap || v.Lockouts != 1 || v.AvailableIn != 60 {
		t.Fatalf("violation = %+v", v)
	}
	if v.SuggestedBackoff != 62 {
		t.Fatalf("suggested backoff = %d, want 62", v.SuggestedBackoff)
	}

	again := limiter.Check(context.Background(), req)
	if again.Lockouts != 2 || again.SuggestedBackoff != 64 {
		t.Fatalf("second violation = %+v", again)
	}
}

func TestTokenTierWeightsByHits(t *testing.T) {
	limiter, _ := newTestLimiter(Config{TokenMaxAttempts: 5})
	req := Request{UserID: "user-1", MapID: "map-1", TokenHits: map[string]int{"tok-a": 3, "tok-b": 1}}
	if v := limiter.Check(context.Background(), req); v != nil {
		t.Fatalf("unexpected violation %+v", v)
	}
	limiter.Hit(req)

	v := limiter.Check(context.Background(), req)
	if v == nil || v.Scope != ScopeToken || v.TokenID != "tok-a" {
		t.Fatalf("violation = %+v, want token tok-a", v)
	}
}

func TestTiersDecay(t *testing.T) {
	limiter, clock := newTestLimiter(Config{MapMaxAttempts: 1})
	req := Request{UserID: "user-1", MapID: "map-1"}
	limiter.Hit(req)
	if limiter.Check(context.Background(), req) == nil {
		t.Fatal("expected violation")
	}
	clock.Advance(61 * time.Second)
	if v := limiter.Check(context.Background(), req); v != nil {
		t.Fatalf("expected reset after decay, got %+v", v)
	}
	if got := mapLockouts(limiter, "user-1", "map-1"); got != 1 {
		t.Fatalf("lockouts = %d, want 1 to outlive the base window", got)
	}
	clock.Advance(15 * time.Minute)
	if got := mapLockouts(limiter, "user-1", "map-1"); got != 0 {
		t.Fatalf("lockouts = %d, want 0 after lockout decay", got)
	}
}

func TestHitClearsLockoutsButNotCounters(t *testing.T) {
	limiter, clock := newTestLimiter(Config{MapMaxAttempts: 1})
	req := Request{UserID: "user-1", MapID: "map-1"}
	limiter.Hit(req)
	limiter.Check(context.Background(), req)
	limiter.Check(context.Background(), req)
	if got := mapLockouts(limiter, "user-1", "map-1"); got != 2 {
		t.Fatalf("lockouts = %d, want 2", got)
	}

	clock.Advance(61 * time.Second)
	limiter.Hit(req)
	if got := mapLockouts(limiter, "user-1", "map-1"); got != 0 {
		t.Fatalf("lockouts = %d, want 0 after hit", got)
	}
	if limiter.Check(context.Background(), req) == nil {
		t.Fatal("hit must still count toward the window")
	}
}

func TestCircuitBreaker(t *testing.T) {
	limiter, clock := newTestLimiter(Config{})
	if _, open := limiter.CooldownFor("user-1", "map-1"); open {
		t.Fatal("circuit should start closed")
	}
	if got := limiter.TriggerCircuit(context.Background(), "user-1", "map-1"); got != 120 {
		t.Fatalf("cooldown = %d, want 120", got)
	}
	clock.Advance(30 * time.Second)
	if got := limiter.TriggerCircuit(context.Background(), "user-1", "map-1"); got != 90 {
		t.Fatalf("re-trip cooldown = %d, want 90", got)
	}
	seconds, open := limiter.CooldownFor("user-1", "map-1")
	if !open || seconds != 90 {
		t.Fatalf("cooldown = %d/%v, want 90/true", seconds, open)
	}
	if _, open := limiter.CooldownFor("user-1", "map-2"); open {
		t.Fatal("circuit must be per map")
	}
	clock.Advance(91 * time.Second)
	if _, open := limiter.CooldownFor("user-1", "map-1"); open {
		t.Fatal("circuit should close after cooldown")
	}
}

func TestClearResetsEverything(t *testing.T) {
	limiter, _ := newTestLimiter(Config{MapMaxAttempts: 1, TokenMaxAttempts: 1})
	req := Request{UserID: "user-1", MapID: "map-1", TokenHits: map[string]int{"tok-a": 1}}
	limiter.Hit(req)
	limiter.Check(context.Background(), req)
	limiter.TriggerCircuit(context.Background(), "user-1", "map-1")

	limiter.Clear("user-1", "map-1", []string{"tok-a"})
	if v := limiter.Check(context.Background(), req); v != nil {
		t.Fatalf("violation after clear: %+v", v)
	}
	if _, open := limiter.CooldownFor("user-1", "map-1"); open {
		t.Fatal("circuit open after clear")
	}
	if got := mapLockouts(limiter, "user-1", "map-1"); got != 0 {
		t.Fatalf("lockouts = %d after clear", got)
	}
}

func TestMemoryStoreConcurrentAdd(t *testing.T) {
	store := NewMemoryStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Add("key", 1, time.Minute)
		}()
	}
	wg.Wait()
	if got := store.Attempts("key"); got != 50 {
		t.Fatalf("attempts = %d, want 50", got)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clock.Now)
	store.Add("short", 1, time.Second)
	store.Add("long", 1, time.Hour)
	clock.Advance(time.Minute)
	if removed := store.Prune(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if store.Attempts("long") != 1 {
		t.Fatal("long counter should survive prune")
	}
}

func TestAcquireStopsParallelBurst(t *testing.T) {
	limiter, _ := newTestLimiter(Config{MapMaxAttempts: 5, TokenMaxAttempts: 100})
	req := Request{UserID: "user-1", MapID: "map-1", TokenHits: map[string]int{"tok-1": 1}}

	var passed, rejected atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release := limiter.Acquire(req.UserID, req.MapID)
			defer release()
			if v := limiter.Check(context.Background(), req); v != nil {
				rejected.Add(1)
				return
			}
			time.Sleep(time.Millisecond)
			limiter.Hit(req)
			passed.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	if passed.Load() != 5 || rejected.Load() != 59 {
		t.Fatalf("passed=%d rejected=%d, want 5/59", passed.Load(), rejected.Load())
	}
	if got := limiter.store.Attempts(mapKey("user-1", "map-1")); got != 5 {
		t.Fatalf("recorded attempts = %d, want 5", got)
	}
	if size := limiter.inflight.size(); size != 0 {
		t.Fatalf("held locks after burst = %d, want 0", size)
	}
}

func TestAcquireIsPerUserAndMap(t *testing.T) {
	limiter, _ := newTestLimiter(Config{})
	release := limiter.Acquire("user-1", "map-1")
	defer release()

	done := make(chan struct{})
	go func() {
		other := limiter.Acquire("user-2", "map-1")
		other()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("another user was blocked by user-1's lock")
	}

	release()
	release()
	again := limiter.Acquire("user-1", "map-1")
	again()
}
