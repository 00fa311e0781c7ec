// Package matchparameters exposes read and publish endpoints for the
// Fellegi-Sunter parameter sets that drive scoring.
package matchparameters

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/kanoniv/kanoniv-cloud/internal/repositories/matchparams"
	appctx "github.com/kanoniv/kanoniv-cloud/pkg/context"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/resolve"
)

type Handler struct {
	repo     *matchparams.Repository
	validate *validator.Validate
	logger   ectologger.Logger
}

// NewHandler creates a new match parameters handler
func NewHandler(repo *matchparams.Repository, logger ectologger.Logger) *Handler {
	return &Handler{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes registers match parameter routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/active", h.GetActive)
	g.PUT("", h.Publish)
}

// GetActive returns the tenant's active parameter set.
func (h *Handler) GetActive(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}

	set, err := h.repo.ActiveSet(ctx, tenantID)
	if err != nil {
		if errors.Is(err, resolve.ErrNoActiveSet) {
			return httperror.NewHTTPError(http.StatusNotFound, "no active parameter set")
		}
		return err
	}

	return c.JSON(http.StatusOK, set)
}

// Publish stores a new parameter set version and activates it. The previous
// active version is deactivated atomically; in-flight resolves keep the set
// they loaded.
func (h *Handler) Publish(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}

	var req models.UpdateParameterSetRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	set, err := h.repo.Publish(ctx, tenantID, &req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, set)
}
