package merge

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Ramsey-B/clover/pkg/appcontext"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Register registers merge routes
func Register(g *echo.Group) {
	g.POST("", MergeEntities)
	g.POST("/:entityId/unmerge", UnmergeEntity)
	g.GET("/entity/:entityId", GetMergeHistory)
}

// MergeRequest is the request body for merging two entities
type MergeRequest struct {
	SurvivorID string `json:"survivor_id" validate:"required,uuid"`
	AbsorbedID string `json:"absorbed_id" validate:"required,uuid"`
	Reason     string `json:"reason,omitempty"`
}

// MergeEntities merges the absorbed entity into the survivor
func MergeEntities(c echo.Context) error {
	ctx := c.Request().Context()

	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	actor := appcontext.GetUserID(ctx)
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor identity is required; set the X-User-Id header")
	}

	ctx, manager, err := ectoinject.GetContext[*merging.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	audit, err := manager.Merge(ctx, &models.MergeRequest{
		SurvivorID: req.SurvivorID,
		AbsorbedID: req.AbsorbedID,
		Actor:      actor,
		Reason:     req.Reason,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, audit)
}

// UnmergeEntity restores an absorbed entity to canonical status
func UnmergeEntity(c echo.Context) error {
	ctx := c.Request().Context()
	entityID := c.Param("entityId")

	actor := appcontext.GetUserID(ctx)
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor identity is required; set the X-User-Id header")
	}

	ctx, manager, err := ectoinject.GetContext[*merging.Manager](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := manager.Unmerge(ctx, entityID, actor); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// GetMergeHistory lists merge audits touching an entity, newest first
func GetMergeHistory(c echo.Context) error {
	ctx := c.Request().Context()
	entityID := c.Param("entityId")

	ctx, repo, err := ectoinject.GetContext[*mergeaudit.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	audits, err := repo.ListByEntity(ctx, entityID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, audits)
}
