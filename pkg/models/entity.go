package models

import (
	"time"
)

// CanonicalEntity is the survivor-side view of a cluster of linked records.
// CanonicalData is recomputed from the members whenever membership changes.
type CanonicalEntity struct {
	ID            string            `json:"id" db:"id"`
	TenantID      string            `json:"tenant_id" db:"tenant_id"`
	CanonicalData map[string]string `json:"canonical_data" db:"-"`
	RecordCount   int               `json:"record_count" db:"record_count"`
	Version       int               `json:"version" db:"version"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// EntityRedirect records that a merged-away entity now resolves to the
// surviving entity. Lookups against the old ID follow the redirect.
type EntityRedirect struct {
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	FromID   string    `json:"from_id" db:"from_id"`
	ToID     string    `json:"to_id" db:"to_id"`
	MergedAt time.Time `json:"merged_at" db:"merged_at"`
}

// LinkedRecord is the crosswalk view of a record: which external identifier
// in which source system belongs to an entity.
type LinkedRecord struct {
	RecordID     string            `json:"record_id"`
	SourceSystem string            `json:"source_system"`
	ExternalID   string            `json:"external_id"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	LinkedAt     time.Time         `json:"linked_at"`
}
