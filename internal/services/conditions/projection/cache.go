package projection

import (
	"sync"

	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

// Cache stores the latest Summary per group. Implementations must allow
// concurrent readers; writes are serialized per group by the Projector.
type Cache interface {
	Get(groupID string) (domain.Summary, bool)
	Set(summary domain.Summary)
	Invalidate(groupID string)
}

// MemoryCache is an in-process Cache. Reads take no locks.
type MemoryCache struct {
	entries sync.Map
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Get returns the cached summary for groupID.
func (c *MemoryCache) Get(groupID string) (domain.Summary, bool) {
	value, ok := c.entries.Load(groupID)
	if !ok {
		return domain.Summary{}, false
	}
	return value.(domain.Summary), true
}

// Set stores summary, replacing any previous value for its group.
func (c *MemoryCache) Set(summary domain.Summary) {
	c.entries.Store(summary.GroupID, summary)
}

// Invalidate drops the cached summary for groupID.
func (c *MemoryCache) Invalidate(groupID string) {
	c.entries.Delete(groupID)
}

var _ Cache = (*MemoryCache)(nil)
