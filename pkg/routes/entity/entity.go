// Package entity exposes canonical entity reads: lookup by id, linked
// records, bulk linked records, and the source-identifier crosswalk.
package entity

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	appctx "github.com/kanoniv/kanoniv-cloud/pkg/context"
	"github.com/kanoniv/kanoniv-cloud/pkg/graphstore"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
)

type Handler struct {
	store    graphstore.Store
	validate *validator.Validate
	logger   ectologger.Logger
}

// NewHandler creates a new entity handler
func NewHandler(store graphstore.Store, logger ectologger.Logger) *Handler {
	return &Handler{
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes registers entity routes on the v1 group
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/entities/:id", h.GetEntity)
	g.GET("/entities/:id/linked", h.ListLinkedRecords)
	g.POST("/entities/linked/bulk", h.ListLinkedRecordsBulk)
	g.GET("/crosswalk", h.Crosswalk)
}

// GetEntity returns a canonical entity by id. Ids retired by a merge
// redirect to the surviving entity.
func (h *Handler) GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenantID(ctx)
	if err != nil {
		return err
	}

	entity, err := h.store.GetEntity(ctx, tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, graphstore.ErrEntityNotFound) {
			return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		return err
	}

	return c.JSON(http.StatusOK, entity)
}

// ListLinkedRecords returns the source records linked to an entity.
func (h *Handler) ListLinkedRecords(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenantID(ctx)
	if err != nil {
		return err
	}

	linked, err := h.store.ListLinkedRecords(ctx, tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, graphstore.ErrEntityNotFound) {
			return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		return err
	}

	return c.JSON(http.StatusOK, linked)
}

// ListLinkedRecordsBulk returns linked records for up to 100 entities.
// Unknown entity ids are omitted from the response.
func (h *Handler) ListLinkedRecordsBulk(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenantID(ctx)
	if err != nil {
		return err
	}

	var req models.LinkedBulkRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := models.LinkedBulkResponse{
		Entities: make(map[string][]models.LinkedRecord, len(req.EntityIDs)),
	}
	for _, entityID := range req.EntityIDs {
		liveID, err := h.store.ResolveEntityID(ctx, tenantID, entityID)
		if err != nil {
			if errors.Is(err, graphstore.ErrEntityNotFound) {
				continue
			}
			return err
		}
		if _, ok := resp.Entities[liveID]; ok {
			continue
		}

		linked, err := h.store.ListLinkedRecords(ctx, tenantID, liveID)
		if err != nil {
			return err
		}
		resp.Entities[liveID] = linked
	}

	return c.JSON(http.StatusOK, resp)
}

// Crosswalk maps a (source_system, external_id) pair to its canonical entity.
func (h *Handler) Crosswalk(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := requireTenantID(ctx)
	if err != nil {
		return err
	}

	sourceSystem := c.QueryParam("source_system")
	if sourceSystem == "" {
		sourceSystem = c.QueryParam("source")
	}
	externalID := c.QueryParam("external_id")
	if sourceSystem == "" || externalID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "source_system and external_id query parameters are required")
	}

	record, found, err := h.store.LookupRecord(ctx, tenantID, sourceSystem, externalID)
	if err != nil {
		return err
	}
	if !found {
		return httperror.NewHTTPError(http.StatusNotFound, "record not found")
	}

	// the stored entity id may have been merged away since ingest
	entityID, err := h.store.ResolveEntityID(ctx, tenantID, record.EntityID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.CrosswalkResult{
		TenantID:     tenantID,
		SourceSystem: sourceSystem,
		ExternalID:   externalID,
		EntityID:     entityID,
	})
}

func requireTenantID(ctx context.Context) (string, error) {
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	return tenantID, nil
}
