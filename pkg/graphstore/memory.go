package graphstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanoniv/kanoniv-cloud/pkg/blocking"
	"github.com/kanoniv/kanoniv-cloud/pkg/fastpath"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/survivorship"
)

// MemoryStore is an in-process Store used by unit tests and local runs.
// A single mutex guards the whole graph; the Postgres repository carries the
// same semantics with row locks and transactions.
type MemoryStore struct {
	mu sync.RWMutex

	policy survivorship.Policy

	entities  map[string]*models.CanonicalEntity // entity id -> live entity
	records   map[string]*models.Record          // record id -> record
	crosswalk map[string]string                  // tenant|source|external -> record id
	members   map[string][]string                // entity id -> record ids
	index     map[string]map[string]struct{}     // tenant|type|value -> entity id set
	redirects map[string]string                  // absorbed entity id -> survivor id
}

// NewMemoryStore creates a MemoryStore with the given survivorship policy.
func NewMemoryStore(policy survivorship.Policy) *MemoryStore {
	return &MemoryStore{
		policy:    policy,
		entities:  make(map[string]*models.CanonicalEntity),
		records:   make(map[string]*models.Record),
		crosswalk: make(map[string]string),
		members:   make(map[string][]string),
		index:     make(map[string]map[string]struct{}),
		redirects: make(map[string]string),
	}
}

func indexKey(tenantID string, key blocking.Key) string {
	return tenantID + "|" + key.Type + "|" + key.Value
}

func (s *MemoryStore) LookupRecord(ctx context.Context, tenantID, sourceSystem, externalID string) (*models.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recordID, ok := s.crosswalk[fastpath.EntryKey(tenantID, sourceSystem, externalID)]
	if !ok {
		return nil, false, nil
	}
	record := s.records[recordID]
	cp := *record
	return &cp, true, nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, tenantID, entityID string) (*models.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.resolveLocked(tenantID, entityID)
	if err != nil {
		return nil, err
	}
	return copyEntity(s.entities[id]), nil
}

func (s *MemoryStore) ResolveEntityID(ctx context.Context, tenantID, entityID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.resolveLocked(tenantID, entityID)
}

// resolveLocked follows the redirect chain. Redirect chains are short: every
// merge points the absorbed id straight at the survivor, but a survivor can
// itself be absorbed later.
func (s *MemoryStore) resolveLocked(tenantID, entityID string) (string, error) {
	id := entityID
	for {
		if entity, ok := s.entities[id]; ok {
			if entity.TenantID != tenantID {
				return "", ErrEntityNotFound
			}
			return id, nil
		}
		next, ok := s.redirects[id]
		if !ok {
			return "", ErrEntityNotFound
		}
		id = next
	}
}

func (s *MemoryStore) GetMembers(ctx context.Context, tenantID, entityID string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.resolveLocked(tenantID, entityID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Record, 0, len(s.members[id]))
	for _, recordID := range s.members[id] {
		cp := *s.records[recordID]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) RetrieveCandidates(ctx context.Context, tenantID string, keys []blocking.Key) ([]*models.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*models.CanonicalEntity
	for _, key := range keys {
		for entityID := range s.index[indexKey(tenantID, key)] {
			id, err := s.resolveLocked(tenantID, entityID)
			if err != nil {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, copyEntity(s.entities[id]))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateEntity(ctx context.Context, record *models.Record, keys []blocking.Key) (*models.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entity := &models.CanonicalEntity{
		ID:            uuid.New().String(),
		TenantID:      record.TenantID,
		CanonicalData: cloneData(record.Attributes),
		RecordCount:   1,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.entities[entity.ID] = entity
	s.ingestLocked(entity, record, keys, now)

	return copyEntity(entity), nil
}

func (s *MemoryStore) AddMembership(ctx context.Context, entityID string, record *models.Record, keys []blocking.Key) (*models.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.resolveLocked(record.TenantID, entityID)
	if err != nil {
		return nil, err
	}
	entity := s.entities[id]

	now := time.Now().UTC()
	s.ingestLocked(entity, record, keys, now)

	entity.CanonicalData = s.policy.Apply(entity.CanonicalData, record)
	entity.RecordCount = len(s.members[id])
	entity.Version++
	entity.UpdatedAt = now

	return copyEntity(entity), nil
}

// ingestLocked stores the record, its crosswalk entry, its membership, and
// its blocking keys under the entity. Caller holds the write lock.
func (s *MemoryStore) ingestLocked(entity *models.CanonicalEntity, record *models.Record, keys []blocking.Key, now time.Time) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.EntityID = entity.ID

	stored := *record
	s.records[stored.ID] = &stored
	s.crosswalk[fastpath.EntryKey(record.TenantID, record.SourceSystem, record.ExternalID)] = stored.ID
	s.members[entity.ID] = append(s.members[entity.ID], stored.ID)

	for _, key := range keys {
		ik := indexKey(record.TenantID, key)
		if s.index[ik] == nil {
			s.index[ik] = make(map[string]struct{})
		}
		s.index[ik][entity.ID] = struct{}{}
	}
}

func (s *MemoryStore) MergeEntities(ctx context.Context, tenantID, survivorID, absorbedID string) (*models.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, err := s.resolveLocked(tenantID, survivorID)
	if err != nil {
		return nil, err
	}
	aid, err := s.resolveLocked(tenantID, absorbedID)
	if err != nil {
		return nil, err
	}
	if sid == aid {
		return copyEntity(s.entities[sid]), nil
	}

	survivor := s.entities[sid]
	now := time.Now().UTC()

	// reassign memberships
	for _, recordID := range s.members[aid] {
		s.records[recordID].EntityID = sid
		s.members[sid] = append(s.members[sid], recordID)
	}
	delete(s.members, aid)

	// union index entries under the survivor
	for _, set := range s.index {
		if _, ok := set[aid]; ok {
			delete(set, aid)
			set[sid] = struct{}{}
		}
	}

	// permanent redirect; the absorbed id is retired, never reused
	s.redirects[aid] = sid
	delete(s.entities, aid)

	members := make([]*models.Record, 0, len(s.members[sid]))
	for _, recordID := range s.members[sid] {
		members = append(members, s.records[recordID])
	}
	survivor.CanonicalData = s.policy.Recompute(members)
	survivor.RecordCount = len(members)
	survivor.Version++
	survivor.UpdatedAt = now

	return copyEntity(survivor), nil
}

func (s *MemoryStore) ListLinkedRecords(ctx context.Context, tenantID, entityID string) ([]models.LinkedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.resolveLocked(tenantID, entityID)
	if err != nil {
		return nil, err
	}

	out := make([]models.LinkedRecord, 0, len(s.members[id]))
	for _, recordID := range s.members[id] {
		record := s.records[recordID]
		out = append(out, models.LinkedRecord{
			RecordID:     record.ID,
			SourceSystem: record.SourceSystem,
			ExternalID:   record.ExternalID,
			Attributes:   cloneData(record.Attributes),
			LinkedAt:     record.UpdatedAt,
		})
	}
	return out, nil
}

func copyEntity(e *models.CanonicalEntity) *models.CanonicalEntity {
	cp := *e
	cp.CanonicalData = cloneData(e.CanonicalData)
	return &cp
}

func cloneData(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
