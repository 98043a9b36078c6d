package matchdecision

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

var decisionColumns = []string{
	"id", "fingerprint", "kind", "source_system", "source_record_id", "outcome",
	"entity_id", "organization_id", "score", "breakdown", "rejection_reason",
	"record_snapshot", "disposition", "reviewed_by", "reviewed_at", "created_at",
}

// Repository persists the immutable match decision log
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match decision repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create writes one decision row. Decisions are append-only; the only later
// mutation allowed is attaching a review disposition.
func (r *Repository) Create(ctx context.Context, decision *models.MatchDecision) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "matchdecision.Repository.Create")
	defer span.End()

	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	decision.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("match_decisions")
	sb.Cols("id", "fingerprint", "kind", "source_system", "source_record_id", "outcome", "entity_id", "organization_id", "score", "breakdown", "rejection_reason", "record_snapshot", "created_at")
	sb.Values(decision.ID, decision.Fingerprint, decision.Kind, decision.SourceSystem, decision.SourceRecordID, decision.Outcome, decision.EntityID, decision.OrganizationID, decision.Score, decision.Breakdown, decision.RejectionReason, decision.RecordSnapshot, decision.CreatedAt)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create match decision")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create match decision")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create match decision")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit match decision")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create match decision")
		}
	}

	return decision, nil
}

// Get retrieves a decision by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "matchdecision.Repository.Get")
	defer span.End()

	return r.getOne(ctx, "id", id)
}

// GetByFingerprint retrieves the most recent decision for a record
// fingerprint, if any.
func (r *Repository) GetByFingerprint(ctx context.Context, fp string) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "matchdecision.Repository.GetByFingerprint")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(decisionColumns...)
	sb.From("match_decisions")
	sb.Where(sb.Equal("fingerprint", fp))
	sb.OrderBy("created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var decision models.MatchDecision
	if err := r.db.GetContext(ctx, &decision, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get decision by fingerprint")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get decision")
	}
	return &decision, nil
}

func (r *Repository) getOne(ctx context.Context, column, value string) (*models.MatchDecision, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(decisionColumns...)
	sb.From("match_decisions")
	sb.Where(sb.Equal(column, value))

	query, args := sb.Build()
	var decision models.MatchDecision
	if err := r.db.GetContext(ctx, &decision, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("match decision %s not found", value))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match decision")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match decision")
	}
	return &decision, nil
}

// ListPending returns review_pending decisions without a disposition, at or
// above a minimum score, best first.
func (r *Repository) ListPending(ctx context.Context, minScore float64, limit, offset int) ([]models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "matchdecision.Repository.ListPending")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(decisionColumns...)
	sb.From("match_decisions")
	sb.Where(
		sb.Equal("outcome", models.OutcomeReviewPending),
		sb.IsNull("disposition"),
		sb.GreaterEqualThan("score", minScore),
	)
	sb.OrderBy("score DESC", "created_at ASC")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var decisions []models.MatchDecision
	if err := r.db.SelectContext(ctx, &decisions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list pending decisions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending decisions")
	}
	return decisions, nil
}

// SetDisposition attaches a review verdict to a pending decision. A decision
// may be dispositioned exactly once.
func (r *Repository) SetDisposition(ctx context.Context, id string, disposition models.ReviewDisposition, reviewedBy string) error {
	ctx, span := tracing.StartSpan(ctx, "matchdecision.Repository.SetDisposition")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("match_decisions")
	sb.Set(
		sb.Assign("disposition", disposition),
		sb.Assign("reviewed_by", reviewedBy),
		sb.Assign("reviewed_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("disposition"),
	)

	query, args := sb.Build()
	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set disposition")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to set decision disposition")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set disposition")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("decision %s not found or already reviewed", id))
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit disposition")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set disposition")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "disposition": disposition}).Info("Decision reviewed")
	return nil
}
