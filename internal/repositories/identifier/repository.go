package identifier

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Repository persists identifier rows. Unique types (email, phone,
// microchip) are globally unique per (type, normalized value); name and
// address rows exist only for candidate generation.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identifier repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Attach adds an identifier to an entity. Re-attaching a value the entity
// already carries is a no-op.
func (r *Repository) Attach(ctx context.Context, identifier *models.Identifier) error {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Attach")
	defer span.End()

	if identifier.ID == "" {
		identifier.ID = uuid.New().String()
	}
	identifier.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("identifiers")
	sb.Cols("id", "entity_id", "id_type", "value_raw", "value_normalized", "source_system", "created_at")
	sb.Values(identifier.ID, identifier.EntityID, identifier.Type, identifier.ValueRaw, identifier.ValueNormalized, identifier.SourceSystem, identifier.CreatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (entity_id, id_type, value_normalized) DO NOTHING"

	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to attach identifier")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to attach identifier")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to attach identifier")
	}
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit identifier attach")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to attach identifier")
		}
	}
	return nil
}

// ListByEntity returns all identifiers attached to an entity
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "entity_id", "id_type", "value_raw", "value_normalized", "source_system", "created_at")
	sb.From("identifiers")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var identifiers []models.Identifier
	if err := r.db.SelectContext(ctx, &identifiers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}
	return identifiers, nil
}

// EntityIDsBySignal finds canonical entities of a kind carrying the exact
// normalized value. Absorbed and deleted entities never surface as
// candidates.
func (r *Repository) EntityIDsBySignal(ctx context.Context, kind models.EntityKind, signalType models.IdentifierType, value string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.EntityIDsBySignal")
	defer span.End()

	query := `
		SELECT DISTINCT i.entity_id
		FROM identifiers i
		JOIN entities e ON e.id = i.entity_id
		WHERE e.kind = $1
		  AND i.id_type = $2
		  AND i.value_normalized = $3
		  AND e.merged_into_id IS NULL
		  AND e.deleted_at IS NULL
		LIMIT $4
	`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, kind, signalType, value, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find entities by signal")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find entities by signal")
	}
	return ids, nil
}

type candidateRow struct {
	EntityID        string          `db:"entity_id"`
	CreatedAt       time.Time       `db:"created_at"`
	IDType          models.IdentifierType `db:"id_type"`
	ValueNormalized string          `db:"value_normalized"`
}

// LoadCandidates loads the signal values of a candidate set. Each entity's
// signals collapse to one value per type; for multi-valued types the newest
// addition wins, matching the order identifiers were attached.
func (r *Repository) LoadCandidates(ctx context.Context, entityIDs []string) ([]matching.CandidateSignals, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.LoadCandidates")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("i.entity_id", "e.created_at", "i.id_type", "i.value_normalized")
	sb.From("identifiers i")
	sb.Join("entities e", "e.id = i.entity_id")
	sb.Where(sb.In("i.entity_id", sqlbuilder.Flatten(entityIDs)...))
	sb.OrderBy("i.created_at ASC")

	query, args := sb.Build()
	var rows []candidateRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load candidate signals")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load candidate signals")
	}

	byEntity := make(map[string]*matching.CandidateSignals)
	order := make([]string, 0, len(entityIDs))
	for _, row := range rows {
		candidate, ok := byEntity[row.EntityID]
		if !ok {
			candidate = &matching.CandidateSignals{
				EntityID:  row.EntityID,
				CreatedAt: row.CreatedAt,
				Signals:   map[models.IdentifierType]string{},
			}
			byEntity[row.EntityID] = candidate
			order = append(order, row.EntityID)
		}
		candidate.Signals[row.IDType] = row.ValueNormalized
	}

	out := make([]matching.CandidateSignals, 0, len(order))
	for _, id := range order {
		out = append(out, *byEntity[id])
	}
	return out, nil
}

// CopyMissing copies identifiers from one entity to another, skipping any
// value the target already carries. Returns the number copied.
func (r *Repository) CopyMissing(ctx context.Context, fromEntityID, toEntityID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.CopyMissing")
	defer span.End()

	query := `
		INSERT INTO identifiers (id, entity_id, id_type, value_raw, value_normalized, source_system, created_at)
		SELECT gen_random_uuid(), $2, src.id_type, src.value_raw, src.value_normalized, src.source_system, $3
		FROM identifiers src
		WHERE src.entity_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM identifiers dst
			WHERE dst.entity_id = $2
			  AND dst.id_type = src.id_type
			  AND dst.value_normalized = src.value_normalized
		  )
	`

	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to copy identifiers")
	}
	if owner {
		defer tx.Rollback(ctx)
	}
	result, err := tx.ExecContext(ctx, query, fromEntityID, toEntityID, time.Now().UTC())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to copy identifiers")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to copy identifiers")
	}

	copied, _ := result.RowsAffected()
	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit identifier copy")
			return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to copy identifiers")
		}
	}
	return int(copied), nil
}
