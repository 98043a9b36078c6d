package organization

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	orgrepo "github.com/Ramsey-B/clover/internal/repositories/organization"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// Register registers organization directory routes
func Register(g *echo.Group) {
	g.GET("", ListOrganizations)
	g.GET("/:id", GetOrganization)
	g.POST("", CreateOrganization)
}

// ListOrganizations lists registered organizations
func ListOrganizations(c echo.Context) error {
	ctx := c.Request().Context()

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx, repo, err := ectoinject.GetContext[*orgrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	orgs, err := repo.List(ctx, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, orgs)
}

// GetOrganization gets an organization by ID
func GetOrganization(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*orgrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	org, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, org)
}

// CreateOrganizationRequest is the request body for registering an
// organization name mapping
type CreateOrganizationRequest struct {
	Name                   string  `json:"name" validate:"required"`
	RepresentativePersonID *string `json:"representative_person_id,omitempty"`
	LocationID             *string `json:"location_id,omitempty"`
}

// CreateOrganization registers an organization name so records submitted
// under it get routed instead of matched
func CreateOrganization(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateOrganizationRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	normalized := normalizers.NormalizeName(req.Name)
	if normalized == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	ctx, repo, err := ectoinject.GetContext[*orgrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	created, err := repo.Create(ctx, &models.Organization{
		NameNormalized:         normalized,
		DisplayName:            req.Name,
		RepresentativePersonID: req.RepresentativePersonID,
		LocationID:             req.LocationID,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, created)
}
