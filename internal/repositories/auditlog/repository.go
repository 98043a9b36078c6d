package auditlog

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

// Repository persists the append-only audit trail
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append writes one audit event
func (r *Repository) Append(ctx context.Context, event *models.AuditEvent) error {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.Append")
	defer span.End()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("audit_log")
	sb.Cols("id", "action", "entity_id", "actor", "detail", "created_at")
	sb.Values(event.ID, event.Action, event.EntityID, event.Actor, event.Detail, event.CreatedAt)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit event")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append audit event")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit event")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit audit event")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit event")
		}
	}
	return nil
}

// ListByEntity returns audit events for an entity, newest first
func (r *Repository) ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "action", "entity_id", "actor", "detail", "created_at")
	sb.From("audit_log")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("created_at DESC")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list audit events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit events")
	}
	return events, nil
}
