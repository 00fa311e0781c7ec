// Package graphstore defines the durable entity graph: canonical entities,
// record memberships, the blocking-key candidate index, and merge redirects.
// All resolve mutations flow through this one seam so the locking discipline
// is enforceable in a single place.
package graphstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kanoniv/kanoniv-cloud/pkg/blocking"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

var (
	// ErrEntityNotFound is returned when an entity id has no live entity and
	// no redirect.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrConflict signals a concurrent modification; callers retry with a
	// fresh read.
	ErrConflict = errors.New("concurrent modification conflict")
)

// Store is the entity graph collaborator injected into the resolver. The
// candidate index lives behind the same interface as membership so the two
// always mutate together.
type Store interface {
	// LookupRecord returns the durable crosswalk entry for a source identity,
	// with ok=false when the record was never ingested.
	LookupRecord(ctx context.Context, tenantID, sourceSystem, externalID string) (*models.Record, bool, error)

	// GetEntity returns a live entity, following merge redirects.
	GetEntity(ctx context.Context, tenantID, entityID string) (*models.CanonicalEntity, error)

	// ResolveEntityID follows the redirect chain from entityID to the current
	// surviving entity id.
	ResolveEntityID(ctx context.Context, tenantID, entityID string) (string, error)

	// GetMembers returns the records currently owned by an entity.
	GetMembers(ctx context.Context, tenantID, entityID string) ([]*models.Record, error)

	// RetrieveCandidates unions the index entries for the given blocking keys
	// into a deduplicated set of live candidate entities. An empty key set
	// yields an empty candidate set.
	RetrieveCandidates(ctx context.Context, tenantID string, keys []blocking.Key) ([]*models.CanonicalEntity, error)

	// CreateEntity creates a new entity seeded from the record, ingests the
	// record as its first member, and indexes the blocking keys. The record's
	// attributes become the initial canonical data.
	CreateEntity(ctx context.Context, record *models.Record, keys []blocking.Key) (*models.CanonicalEntity, error)

	// AddMembership ingests the record as a member of an existing entity,
	// indexes its blocking keys under that entity, and folds its fields into
	// the canonical data per the survivorship policy.
	AddMembership(ctx context.Context, entityID string, record *models.Record, keys []blocking.Key) (*models.CanonicalEntity, error)

	// MergeEntities absorbs absorbedID into survivorID: memberships are
	// reassigned, index entries unioned, canonical data recomputed over the
	// joint membership, and a permanent redirect recorded so historical
	// references to the absorbed id keep resolving. Merging an entity into
	// itself is a no-op.
	MergeEntities(ctx context.Context, tenantID, survivorID, absorbedID string) (*models.CanonicalEntity, error)

	// ListLinkedRecords returns the crosswalk view of an entity's members.
	ListLinkedRecords(ctx context.Context, tenantID, entityID string) ([]models.LinkedRecord, error)
}
