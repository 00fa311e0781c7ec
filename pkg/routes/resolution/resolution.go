// Package resolution exposes the realtime resolve endpoint.
package resolution

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	appctx "github.com/kanoniv/kanoniv-cloud/pkg/context"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/resolve"
)

type Handler struct {
	resolver *resolve.Resolver
	logger   ectologger.Logger
}

// NewHandler creates a new resolution handler
func NewHandler(resolver *resolve.Resolver, logger ectologger.Logger) *Handler {
	return &Handler{
		resolver: resolver,
		logger:   logger,
	}
}

// RegisterRoutes registers resolution routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/realtime", h.ResolveRealtime)
}

// ResolveRealtime ingests a source record and returns its canonical entity.
// Replaying the same (tenant, source_system, external_id) is idempotent.
func (h *Handler) ResolveRealtime(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.ResolveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" {
		req.TenantID = appctx.GetTenantID(ctx)
	}

	result, err := h.resolver.Resolve(ctx, &req)
	if err != nil {
		return mapResolveError(err)
	}

	if result.IsNew {
		return c.JSON(http.StatusCreated, result)
	}
	return c.JSON(http.StatusOK, result)
}

func mapResolveError(err error) error {
	switch {
	case errors.Is(err, resolve.ErrValidation):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, resolve.ErrParameterUnavailable):
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "match parameters unavailable")
	case errors.Is(err, resolve.ErrConcurrencyConflict):
		return httperror.NewHTTPError(http.StatusConflict, "resolution conflict, retry the request")
	default:
		return err
	}
}
