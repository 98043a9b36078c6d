package household

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	householdpkg "github.com/Ramsey-B/clover/pkg/household"
)

// Register registers household routes
func Register(g *echo.Group) {
	g.POST("/rebuild", Rebuild)
	g.GET("/:id", GetHousehold)
	g.GET("/person/:personId", GetByPerson)
}

// Rebuild recomputes household groupings from current resident relationships
func Rebuild(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, svc, err := ectoinject.GetContext[*householdpkg.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := svc.Rebuild(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// GetHousehold gets a household with its members
func GetHousehold(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, svc, err := ectoinject.GetContext[*householdpkg.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	view, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, view)
}

// GetByPerson lists the households a person belongs to
func GetByPerson(c echo.Context) error {
	ctx := c.Request().Context()
	personID := c.Param("personId")

	ctx, svc, err := ectoinject.GetContext[*householdpkg.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	views, err := svc.GetByPerson(ctx, personID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, views)
}
