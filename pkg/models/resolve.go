package models

// Resolve actions.
const (
	ActionCreated  = "created"
	ActionLinked   = "linked"
	ActionMerged   = "merged"
	ActionFastPath = "fast_path"
)

// ResolveRequest is the body of a realtime resolve call. A request is the
// unit of idempotency: repeating the same (tenant, source_system, external_id)
// returns the same entity without re-running the match pipeline.
type ResolveRequest struct {
	TenantID     string            `json:"tenant_id" validate:"required"`
	SourceSystem string            `json:"source_system" validate:"required"`
	ExternalID   string            `json:"external_id" validate:"required"`
	Attributes   map[string]string `json:"attributes" validate:"required,min=1"`
}

// ResolveResult is the outcome of a resolve call.
type ResolveResult struct {
	EntityID      string            `json:"entity_id"`
	RecordID      string            `json:"record_id"`
	IsNew         bool              `json:"is_new"`
	Action        string            `json:"action"`
	MatchedSource string            `json:"matched_source,omitempty"`
	Confidence    float64           `json:"confidence"`
	Score         float64           `json:"score,omitempty"`
	CanonicalData map[string]string `json:"canonical_data"`
}

// CrosswalkResult maps a source identifier to its canonical entity.
type CrosswalkResult struct {
	TenantID     string `json:"tenant_id"`
	SourceSystem string `json:"source_system"`
	ExternalID   string `json:"external_id"`
	EntityID     string `json:"entity_id"`
}

// LinkedBulkRequest asks for the linked records of several entities at once.
type LinkedBulkRequest struct {
	EntityIDs []string `json:"entity_ids" validate:"required,min=1,max=100"`
}

// LinkedBulkResponse maps entity IDs to their linked records. Entities that
// do not exist are omitted from the map.
type LinkedBulkResponse struct {
	Entities map[string][]LinkedRecord `json:"entities"`
}
