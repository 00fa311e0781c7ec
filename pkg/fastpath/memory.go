package fastpath

import (
	"context"
	"sync"
)

// MemoryCache is an in-process Cache. Safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]string),
	}
}

func (c *MemoryCache) Lookup(ctx context.Context, tenantID, sourceSystem, externalID string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entityID, ok := c.entries[EntryKey(tenantID, sourceSystem, externalID)]
	return entityID, ok, nil
}

func (c *MemoryCache) Record(ctx context.Context, tenantID, sourceSystem, externalID, entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[EntryKey(tenantID, sourceSystem, externalID)] = entityID
	return nil
}
