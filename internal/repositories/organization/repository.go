package organization

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var organizationColumns = []string{
	"id", "name_normalized", "display_name", "representative_person_id", "location_id",
	"created_at", "updated_at", "deleted_at",
}

// Repository persists the organization directory used to route records
// submitted under an organization name.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new organization repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create registers an organization name mapping
func (r *Repository) Create(ctx context.Context, org *models.Organization) (*models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "organization.Repository.Create")
	defer span.End()

	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	org.CreatedAt = time.Now().UTC()
	org.UpdatedAt = org.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("organizations")
	sb.Cols("id", "name_normalized", "display_name", "representative_person_id", "location_id", "created_at", "updated_at")
	sb.Values(org.ID, org.NameNormalized, org.DisplayName, org.RepresentativePersonID, org.LocationID, org.CreatedAt, org.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create organization")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create organization")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": org.ID, "name": org.NameNormalized}).Info("Created organization")
	return org, nil
}

// GetByName looks an organization up by its normalized name. Returns nil
// when the directory has no entry.
func (r *Repository) GetByName(ctx context.Context, nameNormalized string) (*models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "organization.Repository.GetByName")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(organizationColumns...)
	sb.From("organizations")
	sb.Where(
		sb.Equal("name_normalized", nameNormalized),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var org models.Organization
	if err := r.db.GetContext(ctx, &org, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get organization")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get organization")
	}
	return &org, nil
}

// Get retrieves an organization by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "organization.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(organizationColumns...)
	sb.From("organizations")
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var org models.Organization
	if err := r.db.GetContext(ctx, &org, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("organization %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get organization")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get organization")
	}
	return &org, nil
}

// List returns all registered organizations
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "organization.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(organizationColumns...)
	sb.From("organizations")
	sb.Where(sb.IsNull("deleted_at"))
	sb.OrderBy("name_normalized ASC")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var orgs []models.Organization
	if err := r.db.SelectContext(ctx, &orgs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list organizations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list organizations")
	}
	return orgs, nil
}
