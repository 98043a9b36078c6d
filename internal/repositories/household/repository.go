package household

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

// Repository persists inferred household groupings. Households are
// derived data and fully rebuildable, so writes favor replace over patch.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new household repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertForLocation creates or refreshes the household anchored at a
// location and replaces its member set.
func (r *Repository) UpsertForLocation(ctx context.Context, locationID, label string, members []models.HouseholdMember) (*models.Household, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Repository.UpsertForLocation")
	defer span.End()

	owner := !database.HasTx(ctx)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert household")
	}
	if owner {
		defer tx.Rollback(ctx)
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	query := `
		INSERT INTO households (id, location_id, label, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (location_id) WHERE deleted_at IS NULL DO UPDATE SET
			label = EXCLUDED.label,
			updated_at = EXCLUDED.updated_at
		RETURNING id, location_id, label, created_at, updated_at, deleted_at
	`
	var household models.Household
	if err := tx.GetContext(ctx, &household, query, id, locationID, label, now); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert household")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert household")
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM household_members WHERE household_id = $1", household.ID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to clear household members")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert household")
	}

	for _, member := range members {
		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("household_members")
		sb.Cols("household_id", "person_id", "evidence", "created_at")
		sb.Values(household.ID, member.PersonID, member.Evidence, now)

		memberQuery, args := sb.Build()
		if _, err := tx.ExecContext(ctx, memberQuery, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to insert household member")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert household")
		}
	}

	if owner {
		if err := tx.Commit(ctx); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to commit household upsert")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert household")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"household_id": household.ID,
		"location_id":  locationID,
		"member_count": len(members),
	}).Info("Upserted household")

	return &household, nil
}

// Get retrieves a household with its members
func (r *Repository) Get(ctx context.Context, id string) (*models.HouseholdView, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "location_id", "label", "created_at", "updated_at", "deleted_at")
	sb.From("households")
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var household models.Household
	if err := r.db.GetContext(ctx, &household, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("household %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get household")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get household")
	}

	members, err := r.listMembers(ctx, household.ID)
	if err != nil {
		return nil, err
	}
	return &models.HouseholdView{Household: household, Members: members}, nil
}

// GetByPerson returns every household a person belongs to
func (r *Repository) GetByPerson(ctx context.Context, personID string) ([]models.HouseholdView, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Repository.GetByPerson")
	defer span.End()

	query := `
		SELECT h.id, h.location_id, h.label, h.created_at, h.updated_at, h.deleted_at
		FROM households h
		JOIN household_members m ON m.household_id = h.id
		WHERE m.person_id = $1 AND h.deleted_at IS NULL
		ORDER BY h.created_at ASC
	`
	var households []models.Household
	if err := r.db.SelectContext(ctx, &households, query, personID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get households by person")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get households")
	}

	views := make([]models.HouseholdView, 0, len(households))
	for _, h := range households {
		members, err := r.listMembers(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, models.HouseholdView{Household: h, Members: members})
	}
	return views, nil
}

func (r *Repository) listMembers(ctx context.Context, householdID string) ([]models.HouseholdMember, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("household_id", "person_id", "evidence", "created_at")
	sb.From("household_members")
	sb.Where(sb.Equal("household_id", householdID))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var members []models.HouseholdMember
	if err := r.db.SelectContext(ctx, &members, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list household members")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list household members")
	}
	return members, nil
}

// SharedLocationGroup is a location shared by multiple canonical persons,
// produced by the inference query.
type SharedLocationGroup struct {
	LocationID string `db:"location_id"`
	PersonID   string `db:"person_id"`
}

// FindSharedResidents finds (location, person) pairs where the location has
// at least minResidents distinct canonical residents.
func (r *Repository) FindSharedResidents(ctx context.Context, minResidents int) ([]SharedLocationGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Repository.FindSharedResidents")
	defer span.End()

	query := `
		SELECT rel.to_entity_id AS location_id, rel.from_entity_id AS person_id
		FROM relationships rel
		JOIN entities p ON p.id = rel.from_entity_id
		WHERE rel.kind = $1
		  AND p.merged_into_id IS NULL
		  AND p.deleted_at IS NULL
		  AND rel.to_entity_id IN (
			SELECT r2.to_entity_id
			FROM relationships r2
			JOIN entities p2 ON p2.id = r2.from_entity_id
			WHERE r2.kind = $1 AND p2.merged_into_id IS NULL AND p2.deleted_at IS NULL
			GROUP BY r2.to_entity_id
			HAVING COUNT(DISTINCT r2.from_entity_id) >= $2
		  )
		ORDER BY rel.to_entity_id, rel.from_entity_id
	`
	var groups []SharedLocationGroup
	if err := r.db.SelectContext(ctx, &groups, query, models.RelationshipKindResident, minResidents); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find shared residents")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find shared residents")
	}
	return groups, nil
}

// SharedPhoneGroup is a normalized phone value shared by multiple canonical
// persons.
type SharedPhoneGroup struct {
	PhoneValue string `db:"phone_value"`
	PersonID   string `db:"person_id"`
}

// FindSharedPhones finds (phone, person) pairs where the normalized phone
// value appears on at least minSharers distinct canonical persons.
func (r *Repository) FindSharedPhones(ctx context.Context, minSharers int) ([]SharedPhoneGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Repository.FindSharedPhones")
	defer span.End()

	query := `
		SELECT i.value_normalized AS phone_value, i.entity_id AS person_id
		FROM identifiers i
		JOIN entities p ON p.id = i.entity_id
		WHERE i.id_type = $1
		  AND p.kind = $2
		  AND p.merged_into_id IS NULL
		  AND p.deleted_at IS NULL
		  AND i.value_normalized IN (
			SELECT i2.value_normalized
			FROM identifiers i2
			JOIN entities p2 ON p2.id = i2.entity_id
			WHERE i2.id_type = $1 AND p2.kind = $2 AND p2.merged_into_id IS NULL AND p2.deleted_at IS NULL
			GROUP BY i2.value_normalized
			HAVING COUNT(DISTINCT i2.entity_id) >= $3
		  )
		ORDER BY i.value_normalized, i.entity_id
	`
	var groups []SharedPhoneGroup
	if err := r.db.SelectContext(ctx, &groups, query, models.IdentifierTypePhone, models.EntityKindPerson, minSharers); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find shared phones")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find shared phones")
	}
	return groups, nil
}
