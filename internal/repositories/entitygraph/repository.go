// Package entitygraph is the Postgres implementation of the entity graph
// store: entities, record memberships, the blocking-key index, and merge
// redirects, mutated transactionally with row locks taken in ascending
// entity id order.
package entitygraph

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/kanoniv/kanoniv-cloud/pkg/blocking"
	"github.com/kanoniv/kanoniv-cloud/pkg/database"
	"github.com/kanoniv/kanoniv-cloud/pkg/graphstore"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/survivorship"
	"github.com/kanoniv/kanoniv-cloud/pkg/tracing"
)

// Repository implements graphstore.Store on Postgres.
type Repository struct {
	db     database.DB
	policy survivorship.Policy
	logger ectologger.Logger
}

// NewRepository creates a new entity graph repository
func NewRepository(db database.DB, policy survivorship.Policy, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		policy: policy,
		logger: logger,
	}
}

type entityRow struct {
	ID            string                            `db:"id"`
	TenantID      string                            `db:"tenant_id"`
	CanonicalData database.JSONB[map[string]string] `db:"canonical_data"`
	RecordCount   int                               `db:"record_count"`
	Version       int                               `db:"version"`
	CreatedAt     time.Time                         `db:"created_at"`
	UpdatedAt     time.Time                         `db:"updated_at"`
}

func (r entityRow) toModel() *models.CanonicalEntity {
	return &models.CanonicalEntity{
		ID:            r.ID,
		TenantID:      r.TenantID,
		CanonicalData: r.CanonicalData.GetValue(),
		RecordCount:   r.RecordCount,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type recordRow struct {
	ID           string                            `db:"id"`
	TenantID     string                            `db:"tenant_id"`
	SourceSystem string                            `db:"source_system"`
	ExternalID   string                            `db:"external_id"`
	EntityID     string                            `db:"entity_id"`
	Attributes   database.JSONB[map[string]string] `db:"attributes"`
	Normalized   database.JSONB[map[string]string] `db:"normalized"`
	CreatedAt    time.Time                         `db:"created_at"`
	UpdatedAt    time.Time                         `db:"updated_at"`
}

func (r recordRow) toModel() *models.Record {
	return &models.Record{
		ID:           r.ID,
		TenantID:     r.TenantID,
		SourceSystem: r.SourceSystem,
		ExternalID:   r.ExternalID,
		EntityID:     r.EntityID,
		Attributes:   r.Attributes.GetValue(),
		Normalized:   r.Normalized.GetValue(),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r *Repository) LookupRecord(ctx context.Context, tenantID, sourceSystem, externalID string) (*models.Record, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.LookupRecord")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("*").From("records")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("source_system", sourceSystem),
		sb.Equal("external_id", externalID),
	)

	query, args := sb.Build()
	var row recordRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up record")
		return nil, false, errors.Wrap(err, "lookup record")
	}

	return row.toModel(), true, nil
}

func (r *Repository) GetEntity(ctx context.Context, tenantID, entityID string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.GetEntity")
	defer span.End()

	liveID, err := r.ResolveEntityID(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("*").From("entities")
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", liveID))

	query, args := sb.Build()
	var row entityRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, graphstore.ErrEntityNotFound
		}
		return nil, errors.Wrap(err, "get entity")
	}

	return row.toModel(), nil
}

func (r *Repository) ResolveEntityID(ctx context.Context, tenantID, entityID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.ResolveEntityID")
	defer span.End()

	id := entityID
	for {
		var exists bool
		err := r.db.QueryRowxContext(ctx,
			r.db.Rebind("SELECT EXISTS (SELECT 1 FROM entities WHERE tenant_id = ? AND id = ?)"),
			tenantID, id,
		).Scan(&exists)
		if err != nil {
			return "", errors.Wrap(err, "resolve entity id")
		}
		if exists {
			return id, nil
		}

		var next string
		err = r.db.QueryRowxContext(ctx,
			r.db.Rebind("SELECT to_id FROM entity_redirects WHERE tenant_id = ? AND from_id = ?"),
			tenantID, id,
		).Scan(&next)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return "", graphstore.ErrEntityNotFound
			}
			return "", errors.Wrap(err, "resolve entity redirect")
		}
		id = next
	}
}

func (r *Repository) GetMembers(ctx context.Context, tenantID, entityID string) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.GetMembers")
	defer span.End()

	liveID, err := r.ResolveEntityID(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("*").From("records")
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("entity_id", liveID))
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "get members")
	}

	out := make([]*models.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *Repository) RetrieveCandidates(ctx context.Context, tenantID string, keys []blocking.Key) ([]*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.RetrieveCandidates")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT e.*").From("entities e")
	sb.Join("blocking_keys bk", "bk.entity_id = e.id", "bk.tenant_id = e.tenant_id")

	keyConds := make([]string, 0, len(keys))
	for _, key := range keys {
		keyConds = append(keyConds, sb.And(
			sb.Equal("bk.key_type", key.Type),
			sb.Equal("bk.key_value", key.Value),
		))
	}
	sb.Where(
		sb.Equal("e.tenant_id", tenantID),
		sb.Or(keyConds...),
	)

	query, args := sb.Build()
	var rows []entityRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "retrieve candidates")
	}

	out := make([]*models.CanonicalEntity, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *Repository) CreateEntity(ctx context.Context, record *models.Record, keys []blocking.Key) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.CreateEntity")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin create entity")
	}
	defer tx.Rollback(ctxTx)

	now := time.Now().UTC()
	entity := &models.CanonicalEntity{
		ID:            uuid.New().String(),
		TenantID:      record.TenantID,
		CanonicalData: record.Attributes,
		RecordCount:   1,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto("entities")
	ib.Cols("id", "tenant_id", "canonical_data", "record_count", "version", "created_at", "updated_at")
	ib.Values(entity.ID, entity.TenantID, database.JSONB[map[string]string]{Data: entity.CanonicalData},
		entity.RecordCount, entity.Version, now, now)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		return nil, classifyPgError(err, "insert entity")
	}

	if err := r.insertRecordTx(ctxTx, tx, entity.ID, record, keys, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, errors.Wrap(err, "commit create entity")
	}

	return entity, nil
}

func (r *Repository) AddMembership(ctx context.Context, entityID string, record *models.Record, keys []blocking.Key) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.AddMembership")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin add membership")
	}
	defer tx.Rollback(ctxTx)

	entity, err := r.lockEntityTx(ctxTx, tx, record.TenantID, entityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := r.insertRecordTx(ctxTx, tx, entity.ID, record, keys, now); err != nil {
		return nil, err
	}

	entity.CanonicalData = r.policy.Apply(entity.CanonicalData, record)
	entity.RecordCount++
	entity.Version++
	entity.UpdatedAt = now

	if err := r.updateEntityTx(ctxTx, tx, entity); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, errors.Wrap(err, "commit add membership")
	}

	return entity, nil
}

func (r *Repository) MergeEntities(ctx context.Context, tenantID, survivorID, absorbedID string) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.MergeEntities")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin merge")
	}
	defer tx.Rollback(ctxTx)

	sid, err := r.ResolveEntityID(ctxTx, tenantID, survivorID)
	if err != nil {
		return nil, err
	}
	aid, err := r.ResolveEntityID(ctxTx, tenantID, absorbedID)
	if err != nil {
		return nil, err
	}
	if sid == aid {
		return r.GetEntity(ctx, tenantID, sid)
	}

	// lock both rows in ascending id order so concurrent merges cannot deadlock
	first, second := sid, aid
	if second < first {
		first, second = second, first
	}
	if _, err := r.lockEntityTx(ctxTx, tx, tenantID, first); err != nil {
		return nil, err
	}
	if _, err := r.lockEntityTx(ctxTx, tx, tenantID, second); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// reassign memberships
	if _, err := tx.ExecContext(ctxTx,
		r.db.Rebind("UPDATE records SET entity_id = ?, updated_at = ? WHERE tenant_id = ? AND entity_id = ?"),
		sid, now, tenantID, aid,
	); err != nil {
		return nil, classifyPgError(err, "reassign records")
	}

	// union index entries under the survivor, then drop the absorbed rows
	if _, err := tx.ExecContext(ctxTx,
		r.db.Rebind(`INSERT INTO blocking_keys (tenant_id, key_type, key_value, entity_id)
			SELECT tenant_id, key_type, key_value, ? FROM blocking_keys WHERE tenant_id = ? AND entity_id = ?
			ON CONFLICT DO NOTHING`),
		sid, tenantID, aid,
	); err != nil {
		return nil, classifyPgError(err, "union blocking keys")
	}
	if _, err := tx.ExecContext(ctxTx,
		r.db.Rebind("DELETE FROM blocking_keys WHERE tenant_id = ? AND entity_id = ?"),
		tenantID, aid,
	); err != nil {
		return nil, classifyPgError(err, "drop absorbed blocking keys")
	}

	// permanent redirect; absorbed id is retired, never reused
	if _, err := tx.ExecContext(ctxTx,
		r.db.Rebind("INSERT INTO entity_redirects (tenant_id, from_id, to_id, merged_at) VALUES (?, ?, ?, ?)"),
		tenantID, aid, sid, now,
	); err != nil {
		return nil, classifyPgError(err, "insert redirect")
	}
	if _, err := tx.ExecContext(ctxTx,
		r.db.Rebind("DELETE FROM entities WHERE tenant_id = ? AND id = ?"),
		tenantID, aid,
	); err != nil {
		return nil, classifyPgError(err, "delete absorbed entity")
	}

	// recompute canonical data over the unioned membership
	var memberRows []recordRow
	if err := tx.SelectContext(ctxTx, &memberRows,
		r.db.Rebind("SELECT * FROM records WHERE tenant_id = ? AND entity_id = ? ORDER BY created_at, id"),
		tenantID, sid,
	); err != nil {
		return nil, errors.Wrap(err, "load merged members")
	}
	members := make([]*models.Record, 0, len(memberRows))
	for _, row := range memberRows {
		members = append(members, row.toModel())
	}

	var survivorRow entityRow
	if err := tx.GetContext(ctxTx, &survivorRow,
		r.db.Rebind("SELECT * FROM entities WHERE tenant_id = ? AND id = ?"),
		tenantID, sid,
	); err != nil {
		return nil, errors.Wrap(err, "load survivor")
	}
	survivor := survivorRow.toModel()
	survivor.CanonicalData = r.policy.Recompute(members)
	survivor.RecordCount = len(members)
	survivor.Version++
	survivor.UpdatedAt = now

	if err := r.updateEntityTx(ctxTx, tx, survivor); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, errors.Wrap(err, "commit merge")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"survivor_id": sid,
		"absorbed_id": aid,
	}).Info("Merged entities")

	return survivor, nil
}

func (r *Repository) ListLinkedRecords(ctx context.Context, tenantID, entityID string) ([]models.LinkedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entitygraph.Repository.ListLinkedRecords")
	defer span.End()

	members, err := r.GetMembers(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}

	out := make([]models.LinkedRecord, 0, len(members))
	for _, member := range members {
		out = append(out, models.LinkedRecord{
			RecordID:     member.ID,
			SourceSystem: member.SourceSystem,
			ExternalID:   member.ExternalID,
			Attributes:   member.Attributes,
			LinkedAt:     member.UpdatedAt,
		})
	}
	return out, nil
}

// insertRecordTx ingests a record and its blocking keys under an entity.
func (r *Repository) insertRecordTx(ctx context.Context, tx database.Tx, entityID string, record *models.Record, keys []blocking.Key, now time.Time) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.EntityID = entityID

	ib := database.NewInsertBuilder()
	ib.InsertInto("records")
	ib.Cols("id", "tenant_id", "source_system", "external_id", "entity_id", "attributes", "normalized", "created_at", "updated_at")
	ib.Values(record.ID, record.TenantID, record.SourceSystem, record.ExternalID, entityID,
		database.JSONB[map[string]string]{Data: record.Attributes},
		database.JSONB[map[string]string]{Data: record.Normalized},
		record.CreatedAt, record.UpdatedAt)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return classifyPgError(err, "insert record")
	}

	for _, key := range keys {
		kb := database.NewInsertBuilder()
		kb.InsertInto("blocking_keys")
		kb.Cols("tenant_id", "key_type", "key_value", "entity_id")
		kb.Values(record.TenantID, key.Type, key.Value, entityID)
		kb.OnConflictDoNothing()

		query, args := kb.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifyPgError(err, "insert blocking key")
		}
	}

	return nil
}

// lockEntityTx reads an entity row FOR UPDATE.
func (r *Repository) lockEntityTx(ctx context.Context, tx database.Tx, tenantID, entityID string) (*models.CanonicalEntity, error) {
	var row entityRow
	err := tx.GetContext(ctx, &row,
		r.db.Rebind("SELECT * FROM entities WHERE tenant_id = ? AND id = ? FOR UPDATE"),
		tenantID, entityID,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, graphstore.ErrEntityNotFound
		}
		return nil, classifyPgError(err, "lock entity")
	}
	return row.toModel(), nil
}

func (r *Repository) updateEntityTx(ctx context.Context, tx database.Tx, entity *models.CanonicalEntity) error {
	_, err := tx.ExecContext(ctx,
		r.db.Rebind("UPDATE entities SET canonical_data = ?, record_count = ?, version = ?, updated_at = ? WHERE tenant_id = ? AND id = ?"),
		database.JSONB[map[string]string]{Data: entity.CanonicalData},
		entity.RecordCount, entity.Version, entity.UpdatedAt, entity.TenantID, entity.ID,
	)
	if err != nil {
		return classifyPgError(err, "update entity")
	}
	return nil
}

// classifyPgError maps retryable Postgres failures onto graphstore.ErrConflict
// so the orchestrator can re-score and retry.
func classifyPgError(err error, op string) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errors.Wrap(graphstore.ErrConflict, op)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errors.Wrap(graphstore.ErrConflict, op)
		}
	}
	return errors.Wrap(err, op)
}
