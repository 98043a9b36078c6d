package resolve

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
)

// Register registers resolution routes
func Register(g *echo.Group) {
	g.POST("", ResolveRecord)
	g.POST("/batch", ResolveBatch)
}

// ResolveRecord resolves a single incoming record into an entity reference
func ResolveRecord(c echo.Context) error {
	ctx := c.Request().Context()

	var record models.IncomingRecord
	if err := c.Bind(&record); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, svc, err := ectoinject.GetContext[*resolution.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := svc.Resolve(ctx, &record)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// BatchRequest is the request body for batch resolution
type BatchRequest struct {
	Records []models.IncomingRecord `json:"records" validate:"required,min=1"`
}

// ResolveBatch resolves a batch of records concurrently. Per-record failures
// are reported in the response items rather than failing the whole batch.
func ResolveBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if len(req.Records) == 0 {
		return httperror.NewHTTPError(http.StatusBadRequest, "at least one record is required")
	}

	ctx, svc, err := ectoinject.GetContext[*resolution.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := svc.ResolveBatch(ctx, req.Records)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
