package relationship

import (
	"context"
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

var relationshipColumns = []string{
	"id", "from_entity_id", "to_entity_id", "kind", "evidence", "confidence",
	"source_system", "created_at", "updated_at",
}

// Repository persists relationship edges
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new relationship repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes an edge. Re-asserting an existing (from, to, kind, source)
// edge only ever upgrades its confidence; downgrades are silently kept at
// the stored tier.
func (r *Repository) Upsert(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Upsert")
	defer span.End()

	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	query := `
		INSERT INTO relationships (id, from_entity_id, to_entity_id, kind, evidence, confidence, source_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (from_entity_id, to_entity_id, kind, source_system) DO UPDATE SET
			confidence = GREATEST(relationships.confidence, EXCLUDED.confidence),
			evidence = CASE WHEN EXCLUDED.confidence > relationships.confidence THEN EXCLUDED.evidence ELSE relationships.evidence END,
			updated_at = EXCLUDED.updated_at
		RETURNING id, from_entity_id, to_entity_id, kind, evidence, confidence, source_system, created_at, updated_at
	`

	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert relationship")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	var stored models.Relationship
	if err := tx.GetContext(ctx, &stored, query, rel.ID, rel.FromEntityID, rel.ToEntityID, rel.Kind, rel.Evidence, rel.Confidence, rel.SourceSystem, rel.CreatedAt, rel.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert relationship")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert relationship")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit relationship upsert")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert relationship")
		}
	}

	return &stored, nil
}

// ListByEntity returns all edges touching an entity on either end
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(relationshipColumns...)
	sb.From("relationships")
	sb.Where(sb.Or(
		sb.Equal("from_entity_id", entityID),
		sb.Equal("to_entity_id", entityID),
	))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var relationships []models.Relationship
	if err := r.db.SelectContext(ctx, &relationships, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list relationships")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list relationships")
	}
	return relationships, nil
}

// MigrateEndpoint repoints every edge touching fromEntityID to toEntityID,
// dropping any move that would collide with an edge the target already has.
// Returns (moved, skipped).
func (r *Repository) MigrateEndpoint(ctx context.Context, fromEntityID, toEntityID string) (int, int, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.MigrateEndpoint")
	defer span.End()

	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to migrate relationships")
	}
	if owner {
		defer tx.Rollback(ctx)
	}

	now := time.Now().UTC()
	moved := 0
	skipped := 0

	for _, side := range []struct{ col, other string }{
		{col: "from_entity_id", other: "to_entity_id"},
		{col: "to_entity_id", other: "from_entity_id"},
	} {
		// Drop absorbed-side duplicates first so the repoint cannot violate
		// the uniqueness key.
		deleteQuery := `
			DELETE FROM relationships src
			WHERE src.` + side.col + ` = $1
			  AND EXISTS (
				SELECT 1 FROM relationships dst
				WHERE dst.` + side.col + ` = $2
				  AND dst.` + side.other + ` = src.` + side.other + `
				  AND dst.kind = src.kind
				  AND dst.source_system = src.source_system
			  )
		`
		result, err := tx.ExecContext(ctx, deleteQuery, fromEntityID, toEntityID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to drop duplicate relationships")
			return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to migrate relationships")
		}
		dropped, _ := result.RowsAffected()
		skipped += int(dropped)

		updateQuery := `
			UPDATE relationships
			SET ` + side.col + ` = $2, updated_at = $3
			WHERE ` + side.col + ` = $1
		`
		result, err = tx.ExecContext(ctx, updateQuery, fromEntityID, toEntityID, now)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint relationships")
			return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to migrate relationships")
		}
		repointed, _ := result.RowsAffected()
		moved += int(repointed)
	}

	// Migration can produce a self-edge on the target when the two entities
	// were related to each other; those edges are meaningless after a merge.
	if _, err := tx.ExecContext(ctx, "DELETE FROM relationships WHERE from_entity_id = to_entity_id AND to_entity_id = $1", toEntityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to drop self relationships")
		return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to migrate relationships")
	}

	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit relationship migration")
			return 0, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to migrate relationships")
		}
	}

	return moved, skipped, nil
}
