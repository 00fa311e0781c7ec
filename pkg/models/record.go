package models

import (
	"time"
)

// Attribute names accepted on incoming records. Unknown attributes are
// rejected during validation.
const (
	AttributeEmail       = "email"
	AttributePhone       = "phone"
	AttributeFirstName   = "first_name"
	AttributeLastName    = "last_name"
	AttributeCompanyName = "company_name"
)

// KnownAttributes lists every attribute the matcher understands.
var KnownAttributes = []string{
	AttributeEmail,
	AttributePhone,
	AttributeFirstName,
	AttributeLastName,
	AttributeCompanyName,
}

// Record represents a source-system record linked to a canonical entity.
// A record is uniquely identified by (tenant_id, source_system, external_id).
type Record struct {
	ID           string            `json:"id" db:"id"`
	TenantID     string            `json:"tenant_id" db:"tenant_id"`
	SourceSystem string            `json:"source_system" db:"source_system"`
	ExternalID   string            `json:"external_id" db:"external_id"`
	EntityID     string            `json:"entity_id" db:"entity_id"`
	Attributes   map[string]string `json:"attributes" db:"-"`
	Normalized   map[string]string `json:"normalized" db:"-"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// NormalizedValue returns the normalized value for an attribute, with ok=false
// when the attribute is missing or blank.
func (r *Record) NormalizedValue(attribute string) (string, bool) {
	v, ok := r.Normalized[attribute]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// BlockingKey is an index entry pointing a normalized key value at an entity.
type BlockingKey struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	KeyType   string    `json:"key_type" db:"key_type"`
	KeyValue  string    `json:"key_value" db:"key_value"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Blocking key types.
const (
	BlockingKeyEmail = "email"
	BlockingKeyPhone = "phone"
	BlockingKeyName  = "name"
)
