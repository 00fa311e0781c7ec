// Package fastpath implements the idempotency cache mapping
// (tenant, source_system, external_id) to a canonical entity id.
package fastpath

import (
	"context"
	"fmt"
)

// Cache is the fast-path index. Entries are upserted, never deleted; a hit
// short-circuits the whole resolve pipeline. The durable record store remains
// the source of truth, so a cache miss is never authoritative on its own.
type Cache interface {
	// Lookup returns the entity id recorded for the key, with ok=false on a miss.
	Lookup(ctx context.Context, tenantID, sourceSystem, externalID string) (entityID string, ok bool, err error)
	// Record upserts the entry for the key. Idempotent.
	Record(ctx context.Context, tenantID, sourceSystem, externalID, entityID string) error
}

// EntryKey builds the cache key for a record identity.
func EntryKey(tenantID, sourceSystem, externalID string) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, sourceSystem, externalID)
}
