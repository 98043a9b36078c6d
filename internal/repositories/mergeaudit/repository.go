package mergeaudit

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

var auditColumns = []string{
	"id", "survivor_id", "absorbed_id", "kind", "relationships_moved", "relationships_skipped",
	"identifiers_copied", "snapshot", "actor", "reason", "unmerged_at", "created_at",
}

// Repository persists the merge audit log. Audits are never deleted; the
// snapshot is the only place an absorbed entity's pre-merge state survives a
// later hard delete.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create writes one merge audit row
func (r *Repository) Create(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Create")
	defer span.End()

	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	audit.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_audits")
	sb.Cols("id", "survivor_id", "absorbed_id", "kind", "relationships_moved", "relationships_skipped", "identifiers_copied", "snapshot", "actor", "reason", "created_at")
	sb.Values(audit.ID, audit.SurvivorID, audit.AbsorbedID, audit.Kind, audit.RelationshipsMoved, audit.RelationshipsSkipped, audit.IdentifiersCopied, audit.Snapshot, audit.Actor, audit.Reason, audit.CreatedAt)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge audit")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create merge audit")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge audit")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit merge audit")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge audit")
		}
	}

	return audit, nil
}

// Get retrieves a merge audit by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(auditColumns...)
	sb.From("merge_audits")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var audit models.MergeAudit
	if err := r.db.GetContext(ctx, &audit, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge audit %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge audit")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge audit")
	}
	return &audit, nil
}

// ListByEntity returns audits where the entity was survivor or absorbed
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(auditColumns...)
	sb.From("merge_audits")
	sb.Where(sb.Or(
		sb.Equal("survivor_id", entityID),
		sb.Equal("absorbed_id", entityID),
	))
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	var audits []models.MergeAudit
	if err := r.db.SelectContext(ctx, &audits, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge audits")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge audits")
	}
	return audits, nil
}

// MarkUnmerged stamps the audit for an absorbed entity when its merge is
// reversed
func (r *Repository) MarkUnmerged(ctx context.Context, absorbedID string) error {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.MarkUnmerged")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merge_audits")
	sb.Set(sb.Assign("unmerged_at", now))
	sb.Where(
		sb.Equal("absorbed_id", absorbedID),
		sb.IsNull("unmerged_at"),
	)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark unmerged")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark merge audit unmerged")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark unmerged")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit unmerge mark")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark unmerged")
		}
	}
	return nil
}
