package models

import (
	"math"
	"time"
)

// Comparator names accepted in a parameter set.
const (
	ComparatorExact       = "exact"
	ComparatorJaroWinkler = "jaro_winkler"
)

// FieldParams holds the Fellegi-Sunter parameters for one field. m is the
// probability the field agrees given the records are a true match; u is the
// probability it agrees given they are not. Comparator and Threshold choose
// how agreement is decided: an empty comparator falls back to the built-in
// per-attribute default, a zero threshold to the default fuzzy threshold.
type FieldParams struct {
	M          float64 `json:"m" validate:"required,gt=0,lt=1"`
	U          float64 `json:"u" validate:"required,gt=0,lt=1"`
	Comparator string  `json:"comparator,omitempty" validate:"omitempty,oneof=exact jaro_winkler"`
	Threshold  float64 `json:"threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
}

// AgreementWeight is the log-likelihood contribution when the field agrees.
func (p FieldParams) AgreementWeight() float64 {
	return math.Log(p.M / p.U)
}

// DisagreementWeight is the log-likelihood contribution when the field
// disagrees. Always negative for sane parameters.
func (p FieldParams) DisagreementWeight() float64 {
	return math.Log((1 - p.M) / (1 - p.U))
}

// ParameterSet is a versioned set of match parameters. Exactly one set is
// active per tenant at a time; scoring fails closed when none is available.
type ParameterSet struct {
	ID             string                 `json:"id" db:"id"`
	TenantID       string                 `json:"tenant_id" db:"tenant_id"`
	Version        int                    `json:"version" db:"version"`
	Fields         map[string]FieldParams `json:"fields" db:"-"`
	MatchThreshold float64                `json:"match_threshold" db:"match_threshold"`
	MergeThreshold float64                `json:"merge_threshold" db:"merge_threshold"`
	Active         bool                   `json:"active" db:"active"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// UpdateParameterSetRequest is the request body for publishing a new
// parameter set version.
type UpdateParameterSetRequest struct {
	Fields         map[string]FieldParams `json:"fields" validate:"required,min=1,dive"`
	MatchThreshold float64                `json:"match_threshold" validate:"required"`
	MergeThreshold float64                `json:"merge_threshold" validate:"required,gtefield=MatchThreshold"`
}
