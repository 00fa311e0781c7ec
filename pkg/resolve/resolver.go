// Package resolve sequences the identity resolution pipeline: fast-path
// check, blocking, scoring, decision, and graph mutation.
package resolve

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/kanoniv/kanoniv-cloud/pkg/blocking"
	"github.com/kanoniv/kanoniv-cloud/pkg/fastpath"
	"github.com/kanoniv/kanoniv-cloud/pkg/graphstore"
	"github.com/kanoniv/kanoniv-cloud/pkg/locks"
	"github.com/kanoniv/kanoniv-cloud/pkg/matching"
	"github.com/kanoniv/kanoniv-cloud/pkg/metrics"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/normalizers"
	"github.com/kanoniv/kanoniv-cloud/pkg/tracing"
)

// ParameterProvider supplies the active match parameter set for a tenant.
type ParameterProvider interface {
	ActiveSet(ctx context.Context, tenantID string) (*models.ParameterSet, error)
}

// Events receives lifecycle notifications after a resolve mutation commits.
type Events interface {
	EmitEntityCreated(ctx context.Context, entity *models.CanonicalEntity, recordID string) error
	EmitRecordLinked(ctx context.Context, entity *models.CanonicalEntity, recordID string, confidence float64) error
	EmitEntitiesMerged(ctx context.Context, survivor *models.CanonicalEntity, mergedFrom []string, recordID string, confidence float64) error
}

const (
	maxPersistRetries = 3
	retryBaseBackoff  = 25 * time.Millisecond
)

// Resolver is the resolve orchestrator.
type Resolver struct {
	store        graphstore.Store
	cache        fastpath.Cache
	keyLocker    locks.Locker
	entityLocker locks.Locker
	params       ParameterProvider
	scorer       *matching.Scorer
	events       Events
	logger       ectologger.Logger
	validate     *validator.Validate
}

// NewResolver creates a Resolver. events may be nil when no broker is wired.
func NewResolver(
	store graphstore.Store,
	cache fastpath.Cache,
	keyLocker locks.Locker,
	entityLocker locks.Locker,
	params ParameterProvider,
	events Events,
	logger ectologger.Logger,
) *Resolver {
	return &Resolver{
		store:        store,
		cache:        cache,
		keyLocker:    keyLocker,
		entityLocker: entityLocker,
		params:       params,
		scorer:       matching.NewScorer(),
		events:       events,
		logger:       logger,
		validate:     validator.New(),
	}
}

// Resolve runs one record through the pipeline and returns where it landed.
// Calls sharing the same (tenant, source_system, external_id) are serialized,
// so a replay race can never create two entities for one source identity.
func (r *Resolver) Resolve(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolve.Resolver.Resolve")
	defer span.End()

	if err := r.validateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()

	var result *models.ResolveResult
	key := fastpath.EntryKey(req.TenantID, req.SourceSystem, req.ExternalID)
	err := r.keyLocker.WithLock(ctx, "resolve:"+key, func(ctx context.Context) error {
		var err error
		result, err = r.resolveLocked(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			metrics.ConcurrencyConflicts.Inc()
			return nil, errors.Wrap(ErrConcurrencyConflict, "record key lock contention")
		}
		return nil, err
	}

	metrics.RecordResolution(req.TenantID, req.SourceSystem, result.Action, time.Since(start).Seconds())

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     req.TenantID,
		"source_system": req.SourceSystem,
		"external_id":   req.ExternalID,
		"entity_id":     result.EntityID,
		"action":        result.Action,
	}).Info("Resolved record")

	return result, nil
}

func (r *Resolver) validateRequest(req *models.ResolveRequest) error {
	if req == nil {
		return errors.Wrap(ErrValidation, "missing request body")
	}
	if err := r.validate.Struct(req); err != nil {
		return errors.Wrap(ErrValidation, err.Error())
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		return errors.Wrap(ErrValidation, "external_id must not be blank")
	}
	return nil
}

// resolveLocked runs under the per-record-key lock, held across the
// fast-path-check-to-cache-write span.
func (r *Resolver) resolveLocked(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	if result, ok, err := r.checkFastPath(ctx, req); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	// fail closed: no parameters, no scoring, no mutation
	params, err := r.params.ActiveSet(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSet) {
			return nil, errors.Wrap(ErrParameterUnavailable, req.TenantID)
		}
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	if params == nil {
		return nil, errors.Wrap(ErrParameterUnavailable, req.TenantID)
	}

	normalized := normalizers.NormalizeAttributes(req.Attributes)
	record := &models.Record{
		TenantID:     req.TenantID,
		SourceSystem: req.SourceSystem,
		ExternalID:   req.ExternalID,
		Attributes:   req.Attributes,
		Normalized:   normalized,
	}
	keys := blocking.GenerateKeys(normalized)

	var result *models.ResolveResult
	backoff := retryBaseBackoff
	for attempt := 0; ; attempt++ {
		result, err = r.scoreAndPersist(ctx, record, keys, params)
		if err == nil {
			break
		}
		if !errors.Is(err, graphstore.ErrConflict) && !errors.Is(err, locks.ErrNotAcquired) {
			return nil, err
		}
		if attempt+1 >= maxPersistRetries {
			metrics.ConcurrencyConflicts.Inc()
			return nil, errors.Wrap(ErrConcurrencyConflict, "retries exhausted")
		}

		metrics.LockRetries.Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if err := r.cache.Record(ctx, req.TenantID, req.SourceSystem, req.ExternalID, result.EntityID); err != nil {
		// the durable crosswalk already holds the entry; a cache write
		// failure only costs the next replay a store lookup
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to record fast-path entry")
	}

	return result, nil
}

// checkFastPath short-circuits replays: cache first, then the durable
// crosswalk. Redirects are followed so entries pointing at merged-away
// entities still resolve to the survivor.
func (r *Resolver) checkFastPath(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, bool, error) {
	entityID, hit, err := r.cache.Lookup(ctx, req.TenantID, req.SourceSystem, req.ExternalID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Fast-path cache lookup failed")
		hit = false
	}
	if !hit {
		record, ok, err := r.store.LookupRecord(ctx, req.TenantID, req.SourceSystem, req.ExternalID)
		if err != nil {
			return nil, false, errors.Wrap(ErrPersistence, err.Error())
		}
		if !ok {
			metrics.RecordFastPathLookup(false)
			return nil, false, nil
		}
		entityID = record.EntityID
	}
	metrics.RecordFastPathLookup(true)

	liveID, err := r.store.ResolveEntityID(ctx, req.TenantID, entityID)
	if err != nil {
		return nil, false, errors.Wrap(ErrPersistence, err.Error())
	}
	entity, err := r.store.GetEntity(ctx, req.TenantID, liveID)
	if err != nil {
		return nil, false, errors.Wrap(ErrPersistence, err.Error())
	}

	if err := r.cache.Record(ctx, req.TenantID, req.SourceSystem, req.ExternalID, liveID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to refresh fast-path entry")
	}

	return &models.ResolveResult{
		EntityID:      entity.ID,
		IsNew:         false,
		Action:        models.ActionFastPath,
		MatchedSource: req.SourceSystem,
		Confidence:    1.0,
		CanonicalData: entity.CanonicalData,
	}, true, nil
}

// scoreAndPersist retrieves candidates, scores them, decides, and applies the
// graph mutation under per-entity locks.
func (r *Resolver) scoreAndPersist(ctx context.Context, record *models.Record, keys []blocking.Key, params *models.ParameterSet) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolve.Resolver.scoreAndPersist")
	defer span.End()

	candidateEntities, err := r.store.RetrieveCandidates(ctx, record.TenantID, keys)
	if err != nil {
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	metrics.CandidatesRetrieved.Observe(float64(len(candidateEntities)))

	candidates := make([]matching.Candidate, 0, len(candidateEntities))
	for _, entity := range candidateEntities {
		members, err := r.store.GetMembers(ctx, record.TenantID, entity.ID)
		if err != nil {
			return nil, errors.Wrap(ErrPersistence, err.Error())
		}
		score := r.scorer.ScoreEntity(record.Normalized, entity.ID, members, params)
		if score.BestMember == nil {
			continue
		}
		candidates = append(candidates, matching.Candidate{
			EntityScore:     score,
			EntityCreatedAt: entity.CreatedAt,
		})
	}

	decision := matching.Decide(candidates, params)

	switch decision.Action {
	case matching.ActionCreate:
		return r.persistCreate(ctx, record, keys)
	case matching.ActionMerge:
		return r.persistMerge(ctx, record, keys, decision)
	default:
		return r.persistLink(ctx, record, keys, decision.Best)
	}
}

func (r *Resolver) persistCreate(ctx context.Context, record *models.Record, keys []blocking.Key) (*models.ResolveResult, error) {
	entity, err := r.store.CreateEntity(ctx, record, keys)
	if err != nil {
		return nil, r.classify(err)
	}

	r.emit(ctx, func() error { return r.events.EmitEntityCreated(ctx, entity, record.ID) })

	return &models.ResolveResult{
		EntityID:      entity.ID,
		RecordID:      record.ID,
		IsNew:         true,
		Action:        models.ActionCreated,
		Confidence:    1.0,
		CanonicalData: entity.CanonicalData,
	}, nil
}

func (r *Resolver) persistLink(ctx context.Context, record *models.Record, keys []blocking.Key, best *matching.Candidate) (*models.ResolveResult, error) {
	var result *models.ResolveResult
	err := locks.WithOrderedLocks(ctx, r.entityLocker, []string{entityLockKey(record.TenantID, best.EntityID)}, func(ctx context.Context) error {
		// the candidate may have been merged away since scoring
		liveID, err := r.store.ResolveEntityID(ctx, record.TenantID, best.EntityID)
		if err != nil {
			return r.classify(err)
		}

		entity, err := r.store.AddMembership(ctx, liveID, record, keys)
		if err != nil {
			return r.classify(err)
		}

		confidence := matching.Confidence(best.Score)
		r.emit(ctx, func() error { return r.events.EmitRecordLinked(ctx, entity, record.ID, confidence) })

		result = &models.ResolveResult{
			EntityID:      entity.ID,
			RecordID:      record.ID,
			IsNew:         false,
			Action:        models.ActionLinked,
			MatchedSource: best.BestMember.SourceSystem,
			Confidence:    confidence,
			Score:         best.Score,
			CanonicalData: entity.CanonicalData,
		}
		return nil
	})
	return result, err
}

func (r *Resolver) persistMerge(ctx context.Context, record *models.Record, keys []blocking.Key, decision matching.Decision) (*models.ResolveResult, error) {
	best, absorbed := decision.Best, decision.Absorbed

	// earliest-created entity survives, deterministically
	survivorID, absorbedID := best.EntityID, absorbed.EntityID
	if absorbed.EntityCreatedAt.Before(best.EntityCreatedAt) ||
		(absorbed.EntityCreatedAt.Equal(best.EntityCreatedAt) && absorbed.EntityID < best.EntityID) {
		survivorID, absorbedID = absorbed.EntityID, best.EntityID
	}

	lockKeys := []string{
		entityLockKey(record.TenantID, survivorID),
		entityLockKey(record.TenantID, absorbedID),
	}

	var result *models.ResolveResult
	err := locks.WithOrderedLocks(ctx, r.entityLocker, lockKeys, func(ctx context.Context) error {
		survivor, err := r.store.MergeEntities(ctx, record.TenantID, survivorID, absorbedID)
		if err != nil {
			return r.classify(err)
		}
		metrics.RecordMerge(record.TenantID, "success")

		entity, err := r.store.AddMembership(ctx, survivor.ID, record, keys)
		if err != nil {
			return r.classify(err)
		}

		confidence := matching.Confidence(best.Score)
		r.emit(ctx, func() error {
			return r.events.EmitEntitiesMerged(ctx, entity, []string{absorbedID}, record.ID, confidence)
		})

		result = &models.ResolveResult{
			EntityID:      entity.ID,
			RecordID:      record.ID,
			IsNew:         false,
			Action:        models.ActionMerged,
			MatchedSource: best.BestMember.SourceSystem,
			Confidence:    confidence,
			Score:         best.Score,
			CanonicalData: entity.CanonicalData,
		}
		return nil
	})
	return result, err
}

// classify keeps conflict errors retryable and wraps everything else as a
// persistence failure.
func (r *Resolver) classify(err error) error {
	if errors.Is(err, graphstore.ErrConflict) || errors.Is(err, locks.ErrNotAcquired) {
		return err
	}
	if errors.Is(err, graphstore.ErrEntityNotFound) {
		// candidate vanished mid-flight; treat as contention and re-score
		return graphstore.ErrConflict
	}
	return errors.Wrap(ErrPersistence, err.Error())
}

// emit runs an event callback when a sink is wired. Event failures are logged,
// never surfaced: the graph mutation has already committed.
func (r *Resolver) emit(ctx context.Context, fn func() error) {
	if r.events == nil {
		return
	}
	if err := fn(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to emit resolve event")
	}
}

func entityLockKey(tenantID, entityID string) string {
	return "entity:" + tenantID + ":" + entityID
}
