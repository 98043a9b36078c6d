package entity

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

var entityColumns = []string{
	"id", "kind", "display_name", "first_name", "last_name", "data_quality",
	"source_system", "source_record_id", "merged_into_id", "created_at", "updated_at", "deleted_at",
}

// Repository handles canonical entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create inserts a new canonical entity
func (r *Repository) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Create")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.DataQuality == "" {
		entity.DataQuality = models.DataQualityNormal
	}
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols("id", "kind", "display_name", "first_name", "last_name", "data_quality", "source_system", "source_record_id", "created_at", "updated_at")
	sb.Values(entity.ID, entity.Kind, entity.DisplayName, entity.FirstName, entity.LastName, entity.DataQuality, entity.SourceSystem, entity.SourceRecordID, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit entity create")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": entity.ID, "kind": entity.Kind}).Info("Created entity")
	return entity, nil
}

// Get retrieves an entity by ID, absorbed or not
func (r *Repository) Get(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var entity models.Entity
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// GetCanonical resolves an entity id to its canonical root. Merges always
// target the forest root, so a single dereference is sufficient.
func (r *Repository) GetCanonical(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetCanonical")
	defer span.End()

	entity, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.MergedIntoID == nil {
		return entity, nil
	}
	return r.Get(ctx, *entity.MergedIntoID)
}

// SetMergedInto marks an entity as absorbed by a survivor
func (r *Repository) SetMergedInto(ctx context.Context, absorbedID, survivorID string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SetMergedInto")
	defer span.End()

	return r.updateMergedInto(ctx, absorbedID, &survivorID)
}

// ClearMergedInto restores an absorbed entity to canonical status
func (r *Repository) ClearMergedInto(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ClearMergedInto")
	defer span.End()

	return r.updateMergedInto(ctx, id, nil)
}

func (r *Repository) updateMergedInto(ctx context.Context, id string, survivorID *string) error {
	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("merged_into_id", survivorID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update merged_into pointer")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit merged_into update")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
		}
	}
	return nil
}

// Backfill fills in name attributes the entity is missing. Existing values
// are never overwritten; incoming data is treated as less authoritative than
// what the entity already carries.
func (r *Repository) Backfill(ctx context.Context, id string, firstName, lastName string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Backfill")
	defer span.End()

	query := `
		UPDATE entities
		SET first_name = COALESCE(first_name, NULLIF($2, '')),
		    last_name = COALESCE(last_name, NULLIF($3, '')),
		    updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to backfill entity")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, id, firstName, lastName, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to backfill entity attributes")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to backfill entity")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit entity backfill")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to backfill entity")
		}
	}
	return nil
}

// List returns entities of a kind, newest first
func (r *Repository) List(ctx context.Context, kind models.EntityKind, includeAbsorbed bool, limit, offset int) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("kind", kind),
		sb.IsNull("deleted_at"),
	)
	if !includeAbsorbed {
		sb.Where(sb.IsNull("merged_into_id"))
	}
	sb.OrderBy("created_at DESC")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var entities []models.Entity
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}
	return entities, nil
}
