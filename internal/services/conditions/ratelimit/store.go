package ratelimit

import (
	"sync"
	"time"
)

// Store holds decaying counters. Every method must be atomic with respect
// to concurrent callers using the same key.
type Store interface {
	// Attempts returns the live count for key, or zero once it decayed.
	Attempts(key string) int
	// Add increments key by weight and returns the new count. A fresh
	// counter starts a decay window of length decay.
	Add(key string, weight int, decay time.Duration) int
	// AvailableIn returns how long until key resets.
	AvailableIn(key string) time.Duration
	// Clear removes key.
	Clear(key string)
}

type counter struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]counter
	clock    func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{counters: make(map[string]counter), clock: clock}
}

// Attempts implements Store.
func (s *MemoryStore) Attempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveLocked(key)
	if !ok {
		return 0
	}
	return c.count
}

// Add implements Store.
func (s *MemoryStore) Add(key string, weight int, decay time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveLocked(key)
	if !ok {
		c = counter{resetAt: s.clock().Add(decay)}
	}
	c.count += weight
	s.counters[key] = c
	return c.count
}

// AvailableIn implements Store.
func (s *MemoryStore) AvailableIn(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveLocked(key)
	if !ok {
		return 0
	}
	return c.resetAt.Sub(s.clock())
}

// Clear implements Store.
func (s *MemoryStore) Clear(key string) {
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
}

// Prune drops every decayed counter and returns how many were removed.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.resetAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) liveLocked(key string) (counter, bool) {
	c, ok := s.counters[key]
	if !ok {
		return counter{}, false
	}
	if !s.clock().Before(c.resetAt) {
		delete(s.counters, key)
		return counter{}, false
	}
	return c, true
}

var _ Store = (*MemoryStore)(nil)
