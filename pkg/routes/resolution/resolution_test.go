package resolution

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanoniv/kanoniv-cloud/pkg/fastpath"
	"github.com/kanoniv/kanoniv-cloud/pkg/graphstore"
	"github.com/kanoniv/kanoniv-cloud/pkg/locks"
	"github.com/kanoniv/kanoniv-cloud/pkg/matching"
	"github.com/kanoniv/kanoniv-cloud/pkg/middleware"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/resolve"
	"github.com/kanoniv/kanoniv-cloud/pkg/survivorship"
)

type stubParams struct {
	set *models.ParameterSet
	err error
}

func (s stubParams) ActiveSet(ctx context.Context, tenantID string) (*models.ParameterSet, error) {
	return s.set, s.err
}

func newTestServer(t *testing.T, params resolve.ParameterProvider) *echo.Echo {
	t.Helper()

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	policy, err := survivorship.New(survivorship.StrategyMostComplete)
	require.NoError(t, err)

	resolver := resolve.NewResolver(
		graphstore.NewMemoryStore(policy),
		fastpath.NewMemoryCache(),
		locks.NewKeyedMutex(),
		locks.NewKeyedMutex(),
		params,
		nil,
		logger,
	)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	NewHandler(resolver, logger).RegisterRoutes(e.Group("/v1/resolve"))
	return e
}

func postResolve(e *echo.Echo, tenantHeader string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/resolve/realtime", bytes.NewBuffer(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tenantHeader != "" {
		req.Header.Set(middleware.HeaderTenantID, tenantHeader)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestResolveRealtime(t *testing.T) {
	params := stubParams{set: matching.DefaultParameterSet("t1")}

	t.Run("creates a new entity", func(t *testing.T) {
		e := newTestServer(t, params)

		rec := postResolve(e, "", models.ResolveRequest{
			TenantID:     "t1",
			SourceSystem: "crm",
			ExternalID:   "c-1",
			Attributes:   map[string]string{"email": "ada@example.com"},
		})

		require.Equal(t, http.StatusCreated, rec.Code)

		var result models.ResolveResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.IsNew)
		assert.Equal(t, models.ActionCreated, result.Action)
		assert.NotEmpty(t, result.EntityID)
	})

	t.Run("replay returns the same entity via the fast path", func(t *testing.T) {
		e := newTestServer(t, params)

		req := models.ResolveRequest{
			TenantID:     "t1",
			SourceSystem: "crm",
			ExternalID:   "c-1",
			Attributes:   map[string]string{"email": "ada@example.com"},
		}

		first := postResolve(e, "", req)
		require.Equal(t, http.StatusCreated, first.Code)
		var created models.ResolveResult
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))

		second := postResolve(e, "", req)
		require.Equal(t, http.StatusOK, second.Code)
		var replayed models.ResolveResult
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &replayed))

		assert.Equal(t, created.EntityID, replayed.EntityID)
		assert.False(t, replayed.IsNew)
		assert.Equal(t, models.ActionFastPath, replayed.Action)
	})

	t.Run("takes tenant from header when body omits it", func(t *testing.T) {
		e := newTestServer(t, params)

		rec := postResolve(e, "t1", models.ResolveRequest{
			SourceSystem: "crm",
			ExternalID:   "c-2",
			Attributes:   map[string]string{"email": "grace@example.com"},
		})

		require.Equal(t, http.StatusCreated, rec.Code)

		var result models.ResolveResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.NotEmpty(t, result.EntityID)
	})

	t.Run("rejects an invalid request", func(t *testing.T) {
		e := newTestServer(t, params)

		rec := postResolve(e, "", models.ResolveRequest{
			TenantID:     "t1",
			SourceSystem: "crm",
			ExternalID:   "c-3",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns 503 when the tenant has no parameter set", func(t *testing.T) {
		e := newTestServer(t, stubParams{err: resolve.ErrNoActiveSet})

		rec := postResolve(e, "", models.ResolveRequest{
			TenantID:     "t1",
			SourceSystem: "crm",
			ExternalID:   "c-4",
			Attributes:   map[string]string{"email": "alan@example.com"},
		})

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("returns 500 when the parameter store is unreachable", func(t *testing.T) {
		e := newTestServer(t, stubParams{err: context.DeadlineExceeded})

		rec := postResolve(e, "", models.ResolveRequest{
			TenantID:     "t1",
			SourceSystem: "crm",
			ExternalID:   "c-5",
			Attributes:   map[string]string{"email": "alan@example.com"},
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
