package entity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/repositories/auditlog"
	entityrepo "github.com/Ramsey-B/clover/internal/repositories/entity"
	"github.com/Ramsey-B/clover/internal/repositories/identifier"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("", ListEntities)
	g.GET("/:id", GetEntity)
	g.GET("/:id/canonical", GetCanonical)
	g.GET("/:id/identifiers", GetIdentifiers)
	g.GET("/:id/audit", GetAuditTrail)
}

// ListEntities lists entities of a kind. Absorbed entities are excluded
// unless include_absorbed is set.
func ListEntities(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.EntityKind(c.QueryParam("kind"))
	if !kind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "kind query parameter must be person, animal, or location")
	}

	includeAbsorbed, _ := strconv.ParseBool(c.QueryParam("include_absorbed"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx, repo, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entities, err := repo.List(ctx, kind, includeAbsorbed, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entities)
}

// GetEntity gets an entity by ID
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entity)
}

// GetCanonical follows merge links from an entity to its canonical root
func GetCanonical(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := repo.GetCanonical(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entity)
}

// GetIdentifiers lists the identifying signals attached to an entity
func GetIdentifiers(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*identifier.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	identifiers, err := repo.ListByEntity(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, identifiers)
}

// GetAuditTrail lists audit events recorded against an entity, newest first
func GetAuditTrail(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx, repo, err := ectoinject.GetContext[*auditlog.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	events, err := repo.ListByEntity(ctx, id, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, events)
}
