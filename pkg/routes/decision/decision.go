package decision

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Ramsey-B/clover/pkg/appcontext"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/repositories/matchdecision"
	"github.com/Ramsey-B/clover/pkg/merging"
)

// Register registers review decision routes
func Register(g *echo.Group) {
	g.GET("/pending", ListPending)
	g.GET("/:id", GetDecision)
	g.POST("/:id/confirm", ConfirmDecision)
	g.POST("/:id/deny", DenyDecision)
	g.POST("/auto-resolve", AutoResolve)
}

// ListPending lists review decisions awaiting a disposition, highest score
// first
func ListPending(c echo.Context) error {
	ctx := c.Request().Context()

	minScore, _ := strconv.ParseFloat(c.QueryParam("min_score"), 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx, repo, err := ectoinject.GetContext[*matchdecision.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	decisions, err := repo.ListPending(ctx, minScore, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, decisions)
}

// GetDecision gets a decision by ID
func GetDecision(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*matchdecision.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	decision, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, decision)
}

func reviewer(c echo.Context) (string, error) {
	who := appcontext.GetUserID(c.Request().Context())
	if who == "" {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "reviewer identity is required; set the X-User-Id header")
	}
	return who, nil
}

// ConfirmDecision confirms a pending review, linking the record to its
// candidate entity
func ConfirmDecision(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	who, err := reviewer(c)
	if err != nil {
		return err
	}

	ctx, manager, err := ectoinject.GetContext[*merging.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := manager.ConfirmDecision(ctx, id, who); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// DenyDecision denies a pending review, leaving the record's entity separate
func DenyDecision(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	who, err := reviewer(c)
	if err != nil {
		return err
	}

	ctx, manager, err := ectoinject.GetContext[*merging.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := manager.DenyDecision(ctx, id, who); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// AutoResolveRequest is the request body for a bulk auto-resolve pass
type AutoResolveRequest struct {
	Threshold float64 `json:"threshold,omitempty"`
	DryRun    bool    `json:"dry_run,omitempty"`
}

// AutoResolve confirms or merges all pending decisions at or above the
// threshold. A dry run reports the planned actions without applying them.
func AutoResolve(c echo.Context) error {
	ctx := c.Request().Context()

	var req AutoResolveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, manager, err := ectoinject.GetContext[*merging.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := manager.AutoResolve(ctx, req.Threshold, req.DryRun)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
