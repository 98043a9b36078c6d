// Package gatekeeper is the only sanctioned write path for cross-entity
// relationships. Every write names its evidence, and absorbed entities are
// refused as endpoints.
package gatekeeper

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// EntityStore reads entities to verify endpoints are canonical.
type EntityStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
	DB() database.DB
}

// RelationshipStore upserts relationship edges.
type RelationshipStore interface {
	Upsert(ctx context.Context, rel *models.Relationship) (*models.Relationship, error)
	ListByEntity(ctx context.Context, entityID string) ([]models.Relationship, error)
}

// AuditLog is the append-only mutation log.
type AuditLog interface {
	Append(ctx context.Context, event *models.AuditEvent) error
}

// Service validates and writes relationships.
type Service struct {
	log           ectologger.Logger
	entities      EntityStore
	relationships RelationshipStore
	auditLog      AuditLog
	emitter       events.Emitter
	validate      *validator.Validate
}

// NewService creates a new gatekeeper service.
func NewService(
	log ectologger.Logger,
	entities EntityStore,
	relationships RelationshipStore,
	auditLog AuditLog,
	emitter events.Emitter,
) *Service {
	return &Service{
		log:           log,
		entities:      entities,
		relationships: relationships,
		auditLog:      auditLog,
		emitter:       emitter,
		validate:      validator.New(),
	}
}

// expectedEndpoints maps a relationship class to the entity kinds its edge
// must join, in from-to order.
var expectedEndpoints = map[models.RelationshipClass][2]models.EntityKind{
	models.RelationshipClassPersonAnimal:   {models.EntityKindPerson, models.EntityKindAnimal},
	models.RelationshipClassPersonLocation: {models.EntityKindPerson, models.EntityKindLocation},
	models.RelationshipClassAnimalLocation: {models.EntityKindAnimal, models.EntityKindLocation},
	models.RelationshipClassPersonPerson:   {models.EntityKindPerson, models.EntityKindPerson},
}

// LinkEntities asserts a relationship between two canonical entities.
//
// Validation order: the kind must be enumerated and agree with the endpoint
// entity kinds; the evidence type must be enumerated (asserting a fact with
// no evidence is rejected outright); both endpoints must be canonical at
// write time. On success the edge upserts: an existing (from, to, kind,
// source) edge only ever upgrades its confidence.
func (s *Service) LinkEntities(ctx context.Context, req *models.CreateRelationshipRequest) (*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "gatekeeper.Service.LinkEntities")
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid relationship request: %s", err.Error()))
	}

	class := req.Kind.Class()
	if class == "" {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("unknown relationship kind %q", req.Kind))
	}
	switch req.Evidence {
	case models.EvidenceTypeDirect, models.EvidenceTypeDerived, models.EvidenceTypeImported:
	default:
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("unknown evidence type %q", req.Evidence))
	}

	from, err := s.entities.Get(ctx, req.FromEntityID)
	if err != nil {
		return nil, err
	}
	to, err := s.entities.Get(ctx, req.ToEntityID)
	if err != nil {
		return nil, err
	}

	endpoints := expectedEndpoints[class]
	if from.Kind != endpoints[0] || to.Kind != endpoints[1] {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity,
			fmt.Sprintf("relationship kind %q joins %s to %s, got %s to %s", req.Kind, endpoints[0], endpoints[1], from.Kind, to.Kind))
	}

	if from.IsAbsorbed() {
		s.log.WithContext(ctx).WithFields(map[string]any{"entity_id": from.ID}).Warn("Refusing relationship write to absorbed entity")
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("entity %s is absorbed into %s; use the canonical id", from.ID, *from.MergedIntoID))
	}
	if to.IsAbsorbed() {
		s.log.WithContext(ctx).WithFields(map[string]any{"entity_id": to.ID}).Warn("Refusing relationship write to absorbed entity")
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("entity %s is absorbed into %s; use the canonical id", to.ID, *to.MergedIntoID))
	}

	ctxTx, tx, err := s.entities.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to link entities")
	}
	defer tx.Rollback(ctxTx)

	rel, err := s.relationships.Upsert(ctxTx, &models.Relationship{
		FromEntityID: req.FromEntityID,
		ToEntityID:   req.ToEntityID,
		Kind:         req.Kind,
		Evidence:     req.Evidence,
		Confidence:   req.Confidence,
		SourceSystem: req.SourceSystem,
	})
	if err != nil {
		return nil, err
	}

	err = s.auditLog.Append(ctxTx, &models.AuditEvent{
		Action:   "relationship.linked",
		EntityID: &rel.FromEntityID,
		Actor:    req.SourceSystem,
		Detail: database.JSONB[map[string]any]{Data: map[string]any{
			"relationship_id": rel.ID,
			"to_entity_id":    rel.ToEntityID,
			"kind":            rel.Kind,
			"confidence":      rel.Confidence,
			"justification":   fmt.Sprintf("%s evidence from %s", req.Evidence, req.SourceSystem),
		}},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("Failed to commit relationship link")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to link entities")
	}

	s.emitter.EmitRelationshipLinked(ctx, rel)
	return rel, nil
}

// ListByEntity returns every relationship touching an entity.
func (s *Service) ListByEntity(ctx context.Context, entityID string) ([]models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "gatekeeper.Service.ListByEntity")
	defer span.End()

	return s.relationships.ListByEntity(ctx, entityID)
}
