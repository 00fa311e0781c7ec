// Package matchparams stores versioned Fellegi-Sunter parameter sets.
// Publishing a new version deactivates the previous one inside the same
// transaction so exactly one set is active per tenant.
package matchparams

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kanoniv/kanoniv-cloud/pkg/database"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/resolve"
	"github.com/kanoniv/kanoniv-cloud/pkg/tracing"
)

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match parameter repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type parameterSetRow struct {
	ID             string                                        `db:"id"`
	TenantID       string                                        `db:"tenant_id"`
	Version        int                                           `db:"version"`
	Fields         database.JSONB[map[string]models.FieldParams] `db:"fields"`
	MatchThreshold float64                                       `db:"match_threshold"`
	MergeThreshold float64                                       `db:"merge_threshold"`
	Active         bool                                          `db:"active"`
	CreatedAt      time.Time                                     `db:"created_at"`
}

func (r parameterSetRow) toModel() *models.ParameterSet {
	return &models.ParameterSet{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Version:        r.Version,
		Fields:         r.Fields.GetValue(),
		MatchThreshold: r.MatchThreshold,
		MergeThreshold: r.MergeThreshold,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
	}
}

// ActiveSet returns the tenant's active parameter set. It satisfies
// resolve.ParameterProvider.
func (r *Repository) ActiveSet(ctx context.Context, tenantID string) (*models.ParameterSet, error) {
	ctx, span := tracing.StartSpan(ctx, "matchparams.Repository.ActiveSet")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("*").From("match_parameters")
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("active", true))

	query, args := sb.Build()
	var row parameterSetRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, resolve.ErrNoActiveSet
		}
		return nil, errors.Wrap(err, "get active parameter set")
	}

	return row.toModel(), nil
}

// Publish stores a new parameter set version and makes it the tenant's
// active set.
func (r *Repository) Publish(ctx context.Context, tenantID string, req *models.UpdateParameterSetRequest) (*models.ParameterSet, error) {
	ctx, span := tracing.StartSpan(ctx, "matchparams.Repository.Publish")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin publish")
	}
	defer tx.Rollback(ctxTx)

	var version int
	err = tx.QueryRowxContext(ctxTx,
		r.db.Rebind("SELECT COALESCE(MAX(version), 0) FROM match_parameters WHERE tenant_id = ?"),
		tenantID,
	).Scan(&version)
	if err != nil {
		return nil, errors.Wrap(err, "read latest version")
	}

	if _, err := tx.ExecContext(ctxTx,
		r.db.Rebind("UPDATE match_parameters SET active = FALSE WHERE tenant_id = ? AND active"),
		tenantID,
	); err != nil {
		return nil, errors.Wrap(err, "deactivate previous version")
	}

	set := &models.ParameterSet{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Version:        version + 1,
		Fields:         req.Fields,
		MatchThreshold: req.MatchThreshold,
		MergeThreshold: req.MergeThreshold,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto("match_parameters")
	ib.Cols("id", "tenant_id", "version", "fields", "match_threshold", "merge_threshold", "active", "created_at")
	ib.Values(set.ID, set.TenantID, set.Version,
		database.JSONB[map[string]models.FieldParams]{Data: set.Fields},
		set.MatchThreshold, set.MergeThreshold, set.Active, set.CreatedAt)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		return nil, errors.Wrap(err, "insert parameter set")
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, errors.Wrap(err, "commit publish")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"version":   set.Version,
	}).Info("Published parameter set")

	return set, nil
}
