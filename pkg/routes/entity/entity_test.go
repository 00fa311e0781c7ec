package entity

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

	"github.com/kanoniv/kanoniv-cloud/pkg/blocking"
	"github.com/kanoniv/kanoniv-cloud/pkg/graphstore"
	"github.com/kanoniv/kanoniv-cloud/pkg/middleware"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/survivorship"
)

func newTestServer(t *testing.T) (*echo.Echo, *graphstore.MemoryStore) {
	t.Helper()

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	policy, err := survivorship.New(survivorship.StrategyMostComplete)
	require.NoError(t, err)
	store := graphstore.NewMemoryStore(policy)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	NewHandler(store, logger).RegisterRoutes(e.Group("/v1"))
	return e, store
}

func seedEntity(t *testing.T, store *graphstore.MemoryStore, tenantID, externalID, email string) *models.CanonicalEntity {
	t.Helper()

	entity, err := store.CreateEntity(context.Background(), &models.Record{
		TenantID:     tenantID,
		SourceSystem: "crm",
		ExternalID:   externalID,
		Attributes:   map[string]string{"email": email},
		Normalized:   map[string]string{"email": email},
	}, []blocking.Key{{Type: models.BlockingKeyEmail, Value: email}})
	require.NoError(t, err)
	return entity
}

func doRequest(e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.HeaderTenantID, "t1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetEntity(t *testing.T) {
	e, store := newTestServer(t)
	seeded := seedEntity(t, store, "t1", "c-1", "ada@example.com")

	t.Run("returns the entity", func(t *testing.T) {
		rec := doRequest(e, http.MethodGet, "/v1/entities/"+seeded.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.CanonicalEntity
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, seeded.ID, got.ID)
		assert.Equal(t, "ada@example.com", got.CanonicalData["email"])
	})

	t.Run("404 for an unknown id", func(t *testing.T) {
		rec := doRequest(e, http.MethodGet, "/v1/entities/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("retired ids redirect to the survivor", func(t *testing.T) {
		absorbed := seedEntity(t, store, "t1", "c-2", "ada.l@example.com")
		_, err := store.MergeEntities(context.Background(), "t1", seeded.ID, absorbed.ID)
		require.NoError(t, err)

		rec := doRequest(e, http.MethodGet, "/v1/entities/"+absorbed.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.CanonicalEntity
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, seeded.ID, got.ID)
	})
}

func TestListLinkedRecords(t *testing.T) {
	e, store := newTestServer(t)
	seeded := seedEntity(t, store, "t1", "c-1", "ada@example.com")

	rec := doRequest(e, http.MethodGet, "/v1/entities/"+seeded.ID+"/linked", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var linked []models.LinkedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &linked))
	require.Len(t, linked, 1)
	assert.Equal(t, "crm", linked[0].SourceSystem)
	assert.Equal(t, "c-1", linked[0].ExternalID)
}

func TestListLinkedRecordsBulk(t *testing.T) {
	e, store := newTestServer(t)
	a := seedEntity(t, store, "t1", "c-1", "ada@example.com")
	b := seedEntity(t, store, "t1", "c-2", "grace@example.com")

	t.Run("returns linked records per entity, omitting unknown ids", func(t *testing.T) {
		rec := doRequest(e, http.MethodPost, "/v1/entities/linked/bulk", models.LinkedBulkRequest{
			EntityIDs: []string{a.ID, b.ID, "does-not-exist"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.LinkedBulkResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Entities, 2)
		assert.Len(t, resp.Entities[a.ID], 1)
		assert.Len(t, resp.Entities[b.ID], 1)
	})

	t.Run("rejects an empty id list", func(t *testing.T) {
		rec := doRequest(e, http.MethodPost, "/v1/entities/linked/bulk", models.LinkedBulkRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCrosswalk(t *testing.T) {
	e, store := newTestServer(t)
	seeded := seedEntity(t, store, "t1", "c-1", "ada@example.com")

	t.Run("maps a source identity to its entity", func(t *testing.T) {
		rec := doRequest(e, http.MethodGet, "/v1/crosswalk?source_system=crm&external_id=c-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.CrosswalkResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, seeded.ID, got.EntityID)
	})

	t.Run("follows merges to the surviving entity", func(t *testing.T) {
		absorbed := seedEntity(t, store, "t1", "c-2", "ada.l@example.com")
		_, err := store.MergeEntities(context.Background(), "t1", seeded.ID, absorbed.ID)
		require.NoError(t, err)

		rec := doRequest(e, http.MethodGet, "/v1/crosswalk?source_system=crm&external_id=c-2", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.CrosswalkResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, seeded.ID, got.EntityID)
	})

	t.Run("404 for an unknown source identity", func(t *testing.T) {
		rec := doRequest(e, http.MethodGet, "/v1/crosswalk?source_system=crm&external_id=nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("requires both query parameters", func(t *testing.T) {
		rec := doRequest(e, http.MethodGet, "/v1/crosswalk?source_system=crm", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
