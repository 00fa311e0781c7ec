package resolve

import (
	"context"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanoniv/kanoniv-cloud/pkg/fastpath"
	"github.com/kanoniv/kanoniv-cloud/pkg/graphstore"
	"github.com/kanoniv/kanoniv-cloud/pkg/locks"
	"github.com/kanoniv/kanoniv-cloud/pkg/matching"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/survivorship"
)

type stubParams struct {
	set *models.ParameterSet
	err error
}

func (s stubParams) ActiveSet(ctx context.Context, tenantID string) (*models.ParameterSet, error) {
	return s.set, s.err
}

type recordedEvent struct {
	kind     string
	entityID string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) record(kind, entityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{kind: kind, entityID: entityID})
}

func (e *eventRecorder) EmitEntityCreated(ctx context.Context, entity *models.CanonicalEntity, recordID string) error {
	e.record("entity.created", entity.ID)
	return nil
}

func (e *eventRecorder) EmitRecordLinked(ctx context.Context, entity *models.CanonicalEntity, recordID string, confidence float64) error {
	e.record("record.linked", entity.ID)
	return nil
}

func (e *eventRecorder) EmitEntitiesMerged(ctx context.Context, survivor *models.CanonicalEntity, mergedFrom []string, recordID string, confidence float64) error {
	e.record("entities.merged", survivor.ID)
	return nil
}

type fixture struct {
	resolver *Resolver
	store    *graphstore.MemoryStore
	cache    *fastpath.MemoryCache
	events   *eventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	policy, err := survivorship.New(survivorship.StrategyMostComplete)
	require.NoError(t, err)

	store := graphstore.NewMemoryStore(policy)
	cache := fastpath.NewMemoryCache()
	events := &eventRecorder{}
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})

	resolver := NewResolver(
		store,
		cache,
		locks.NewKeyedMutex(),
		locks.NewKeyedMutex(),
		stubParams{set: matching.DefaultParameterSet("t1")},
		events,
		logger,
	)

	return &fixture{resolver: resolver, store: store, cache: cache, events: events}
}

func request(source, externalID string, attrs map[string]string) *models.ResolveRequest {
	return &models.ResolveRequest{
		TenantID:     "t1",
		SourceSystem: source,
		ExternalID:   externalID,
		Attributes:   attrs,
	}
}

func TestResolve_SharedEmailLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, models.ActionCreated, first.Action)
	assert.Equal(t, 1.0, first.Confidence)

	second, err := f.resolver.Resolve(ctx, request("B", "9", map[string]string{"email": "betty@x.com"}))
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, models.ActionLinked, second.Action)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, "A", second.MatchedSource)
	assert.Greater(t, second.Confidence, 0.99)
	assert.LessOrEqual(t, second.Confidence, 1.0)
}

func TestResolve_NoSharedKeyCreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
	require.NoError(t, err)

	result, err := f.resolver.Resolve(ctx, request("A", "2", map[string]string{"email": "carl@y.com"}))
	require.NoError(t, err)
	assert.True(t, result.IsNew)
	assert.Equal(t, models.ActionCreated, result.Action)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestResolve_ReplayHitsFastPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{
		"email":      "betty@x.com",
		"first_name": "Betty",
	}))
	require.NoError(t, err)

	// different field values, same source identity
	replay, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{
		"email": "changed@elsewhere.com",
	}))
	require.NoError(t, err)

	assert.Equal(t, first.EntityID, replay.EntityID)
	assert.False(t, replay.IsNew)
	assert.Equal(t, models.ActionFastPath, replay.Action)
	assert.Equal(t, "A", replay.MatchedSource)
	assert.Equal(t, 1.0, replay.Confidence)
	// fast path bypasses the pipeline entirely: canonical data untouched
	assert.Equal(t, "betty@x.com", replay.CanonicalData["email"])
}

func TestResolve_NameOnlyBelowThresholdCreatesBoth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{
		"email":      "betty@x.com",
		"first_name": "Betty",
		"last_name":  "Smith",
	}))
	require.NoError(t, err)

	second, err := f.resolver.Resolve(ctx, request("A", "2", map[string]string{
		"email":      "betty.other@y.com",
		"first_name": "Betty",
		"last_name":  "Smith",
	}))
	require.NoError(t, err)

	assert.True(t, second.IsNew)
	assert.NotEqual(t, first.EntityID, second.EntityID)
}

func TestResolve_MergeUnifiesPriorEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{
		"email":      "betty@x.com",
		"first_name": "Betty",
		"last_name":  "Smith",
	}))
	require.NoError(t, err)

	b, err := f.resolver.Resolve(ctx, request("B", "2", map[string]string{
		"phone":      "5551234567",
		"first_name": "Betty",
		"last_name":  "Smith",
	}))
	require.NoError(t, err)
	require.NotEqual(t, a.EntityID, b.EntityID, "name-only overlap must not match")

	// carries both identifiers: clears merge threshold against A's entity and
	// match threshold against B's
	merged, err := f.resolver.Resolve(ctx, request("C", "3", map[string]string{
		"email":      "betty@x.com",
		"phone":      "5551234567",
		"first_name": "Betty",
		"last_name":  "Smith",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ActionMerged, merged.Action)
	// earliest-created entity survives
	assert.Equal(t, a.EntityID, merged.EntityID)

	t.Run("FastPathEntriesFollowMerge", func(t *testing.T) {
		replayA, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
		require.NoError(t, err)
		replayB, err := f.resolver.Resolve(ctx, request("B", "2", map[string]string{"phone": "5551234567"}))
		require.NoError(t, err)

		assert.Equal(t, merged.EntityID, replayA.EntityID)
		assert.Equal(t, merged.EntityID, replayB.EntityID)
	})

	t.Run("CanonicalDataUnioned", func(t *testing.T) {
		assert.Equal(t, "betty@x.com", merged.CanonicalData["email"])
		assert.Equal(t, "5551234567", merged.CanonicalData["phone"])
	})

	t.Run("MergeEventEmitted", func(t *testing.T) {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		var kinds []string
		for _, ev := range f.events.events {
			kinds = append(kinds, ev.kind)
		}
		assert.Contains(t, kinds, "entities.merged")
	})
}

func TestResolve_ConcurrentReplaysCreateOneEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const callers = 16
	results := make([]*models.ResolveResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	created := 0
	for _, result := range results {
		assert.Equal(t, results[0].EntityID, result.EntityID)
		if result.IsNew {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller creates the entity")
}

func TestResolve_FailsClosedWithoutParameters(t *testing.T) {
	ctx := context.Background()

	policy, err := survivorship.New("")
	require.NoError(t, err)
	store := graphstore.NewMemoryStore(policy)
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})

	resolver := NewResolver(
		store,
		fastpath.NewMemoryCache(),
		locks.NewKeyedMutex(),
		locks.NewKeyedMutex(),
		stubParams{set: nil},
		nil,
		logger,
	)

	_, err = resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
	require.ErrorIs(t, err, ErrParameterUnavailable)

	// neither created nor linked
	_, ok, lookupErr := store.LookupRecord(ctx, "t1", "A", "1")
	require.NoError(t, lookupErr)
	assert.False(t, ok)
}

func TestResolve_ParameterProviderErrors(t *testing.T) {
	ctx := context.Background()

	newResolverWith := func(t *testing.T, params ParameterProvider) *Resolver {
		t.Helper()
		policy, err := survivorship.New("")
		require.NoError(t, err)
		return NewResolver(
			graphstore.NewMemoryStore(policy),
			fastpath.NewMemoryCache(),
			locks.NewKeyedMutex(),
			locks.NewKeyedMutex(),
			params,
			nil,
			ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {}),
		)
	}

	t.Run("unpublished tenant fails closed as parameter-unavailable", func(t *testing.T) {
		resolver := newResolverWith(t, stubParams{err: ErrNoActiveSet})

		_, err := resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
		require.ErrorIs(t, err, ErrParameterUnavailable)
	})

	t.Run("provider outage surfaces as a persistence failure", func(t *testing.T) {
		resolver := newResolverWith(t, stubParams{err: errors.New("connection refused")})

		_, err := resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
		require.ErrorIs(t, err, ErrPersistence)
		require.NotErrorIs(t, err, ErrParameterUnavailable)
	})
}

func TestResolve_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("NilRequest", func(t *testing.T) {
		_, err := f.resolver.Resolve(ctx, nil)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("MissingExternalID", func(t *testing.T) {
		req := request("A", "", map[string]string{"email": "betty@x.com"})
		_, err := f.resolver.Resolve(ctx, req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("BlankExternalID", func(t *testing.T) {
		req := request("A", "   ", map[string]string{"email": "betty@x.com"})
		_, err := f.resolver.Resolve(ctx, req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("EmptyAttributes", func(t *testing.T) {
		req := request("A", "1", map[string]string{})
		_, err := f.resolver.Resolve(ctx, req)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestResolve_SecondReplayUsesDurableCrosswalkOnCacheLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
	require.NoError(t, err)

	// simulate cache loss by swapping in an empty cache
	f.resolver.cache = fastpath.NewMemoryCache()

	replay, err := f.resolver.Resolve(ctx, request("A", "1", map[string]string{"email": "betty@x.com"}))
	require.NoError(t, err)
	assert.Equal(t, first.EntityID, replay.EntityID)
	assert.Equal(t, models.ActionFastPath, replay.Action)
	assert.False(t, replay.IsNew)
}
