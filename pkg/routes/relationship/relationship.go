package relationship

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/gatekeeper"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Register registers relationship routes
func Register(g *echo.Group) {
	g.POST("", LinkEntities)
	g.GET("/entity/:entityId", ListByEntity)
}

// LinkEntities asserts a relationship edge between two canonical entities
func LinkEntities(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.CreateRelationshipRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, svc, err := ectoinject.GetContext[*gatekeeper.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rel, err := svc.LinkEntities(ctx, &req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, rel)
}

// ListByEntity lists all relationship edges touching an entity
func ListByEntity(c echo.Context) error {
	ctx := c.Request().Context()
	entityID := c.Param("entityId")

	ctx, svc, err := ectoinject.GetContext[*gatekeeper.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	rels, err := svc.ListByEntity(ctx, entityID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, rels)
}
