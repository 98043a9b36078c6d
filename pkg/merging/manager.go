// Package merging maintains the merge forest: each absorbed entity points at
// the entity that absorbed it, pointers never chain, and every merge is
// audited and reversible.
package merging

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

// EntityStore reads and repoints canonical entities.
type EntityStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
	GetCanonical(ctx context.Context, id string) (*models.Entity, error)
	SetMergedInto(ctx context.Context, absorbedID, survivorID string) error
	ClearMergedInto(ctx context.Context, id string) error
	Backfill(ctx context.Context, id string, firstName, lastName string) error
	DB() database.DB
}

// IdentifierStore reads and copies signal values between entities.
type IdentifierStore interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error)
	CopyMissing(ctx context.Context, fromEntityID, toEntityID string) (int, error)
	Attach(ctx context.Context, identifier *models.Identifier) error
	EntityIDsBySignal(ctx context.Context, kind models.EntityKind, signalType models.IdentifierType, value string, limit int) ([]string, error)
}

// RelationshipStore migrates relationship endpoints during a merge.
type RelationshipStore interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.Relationship, error)
	MigrateEndpoint(ctx context.Context, fromEntityID, toEntityID string) (int, int, error)
}

// AuditStore persists merge audit rows.
type AuditStore interface {
	Create(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error)
	MarkUnmerged(ctx context.Context, absorbedID string) error
}

// AuditLog is the append-only mutation log.
type AuditLog interface {
	Append(ctx context.Context, event *models.AuditEvent) error
}

// DecisionStore reads and dispositions pending review decisions.
type DecisionStore interface {
	Get(ctx context.Context, id string) (*models.MatchDecision, error)
	ListPending(ctx context.Context, minScore float64, limit, offset int) ([]models.MatchDecision, error)
	SetDisposition(ctx context.Context, id string, disposition models.ReviewDisposition, reviewedBy string) error
}

// Config contains configuration for the merge manager.
type Config struct {
	AutoResolveThreshold float64 // pending decisions at or above this are auto-confirmed (default: 0.95)
	AutoResolveLimit     int     // maximum decisions handled per pass (default: 500)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoResolveThreshold: 0.95,
		AutoResolveLimit:     500,
	}
}

// Manager executes merges, unmerges, and the review workflow.
type Manager struct {
	log           ectologger.Logger
	cfg           Config
	entities      EntityStore
	ids           IdentifierStore
	relationships RelationshipStore
	audits        AuditStore
	auditLog      AuditLog
	decisions     DecisionStore
	emitter       events.Emitter
	validate      *validator.Validate
}

// NewManager creates a new merge manager.
func NewManager(
	log ectologger.Logger,
	cfg Config,
	entities EntityStore,
	ids IdentifierStore,
	relationships RelationshipStore,
	audits AuditStore,
	auditLog AuditLog,
	decisions DecisionStore,
	emitter events.Emitter,
) *Manager {
	defaults := DefaultConfig()
	if cfg.AutoResolveThreshold <= 0 {
		cfg.AutoResolveThreshold = defaults.AutoResolveThreshold
	}
	if cfg.AutoResolveLimit <= 0 {
		cfg.AutoResolveLimit = defaults.AutoResolveLimit
	}
	return &Manager{
		log:           log,
		cfg:           cfg,
		entities:      entities,
		ids:           ids,
		relationships: relationships,
		audits:        audits,
		auditLog:      auditLog,
		decisions:     decisions,
		emitter:       emitter,
		validate:      validator.New(),
	}
}

// CanonicalOf resolves an entity id to its canonical root id.
func (m *Manager) CanonicalOf(ctx context.Context, id string) (string, error) {
	entity, err := m.entities.GetCanonical(ctx, id)
	if err != nil {
		return "", err
	}
	return entity.ID, nil
}

// Merge absorbs one entity into a survivor. The absorbed entity's
// relationships move to the survivor (dropping duplicates), its missing
// identifiers are copied over, and its pre-merge state is snapshotted into
// the merge audit. The whole operation is atomic.
//
// An entity that is already absorbed cannot be merged again; callers must
// unmerge it first. Merging into an absorbed survivor silently targets that
// survivor's canonical root instead, keeping the forest one level deep.
func (m *Manager) Merge(ctx context.Context, req *models.MergeRequest) (*models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.Merge")
	defer span.End()

	if err := m.validate.Struct(req); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid merge request: %s", err.Error()))
	}
	if req.SurvivorID == req.AbsorbedID {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, "cannot merge an entity into itself")
	}

	absorbed, err := m.entities.Get(ctx, req.AbsorbedID)
	if err != nil {
		return nil, err
	}
	if absorbed.IsAbsorbed() {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("entity %s is already absorbed into %s; unmerge it first", absorbed.ID, *absorbed.MergedIntoID))
	}

	survivor, err := m.entities.GetCanonical(ctx, req.SurvivorID)
	if err != nil {
		return nil, err
	}
	if survivor.ID == absorbed.ID {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, "cannot merge an entity into itself")
	}
	if survivor.Kind != absorbed.Kind {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("cannot merge %s entity into %s entity", absorbed.Kind, survivor.Kind))
	}

	log := m.log.WithContext(ctx).WithFields(map[string]any{
		"survivor_id": survivor.ID,
		"absorbed_id": absorbed.ID,
		"actor":       req.Actor,
	})

	ctxTx, tx, err := m.entities.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	// A merge must not run concurrently with another merge touching either
	// entity. Locks are taken in sorted id order.
	if err := database.AcquireEntityLocks(ctxTx, tx, survivor.ID, absorbed.ID); err != nil {
		return nil, err
	}

	// Snapshot the absorbed side before anything moves.
	absorbedIdentifiers, err := m.ids.ListByEntity(ctxTx, absorbed.ID)
	if err != nil {
		return nil, err
	}
	absorbedRelationships, err := m.relationships.ListByEntity(ctxTx, absorbed.ID)
	if err != nil {
		return nil, err
	}

	moved, skipped, err := m.relationships.MigrateEndpoint(ctxTx, absorbed.ID, survivor.ID)
	if err != nil {
		return nil, err
	}
	copied, err := m.ids.CopyMissing(ctxTx, absorbed.ID, survivor.ID)
	if err != nil {
		return nil, err
	}
	if err := m.entities.SetMergedInto(ctxTx, absorbed.ID, survivor.ID); err != nil {
		return nil, err
	}

	audit := &models.MergeAudit{
		SurvivorID:           survivor.ID,
		AbsorbedID:           absorbed.ID,
		Kind:                 absorbed.Kind,
		RelationshipsMoved:   moved,
		RelationshipsSkipped: skipped,
		IdentifiersCopied:    copied,
		Snapshot: database.JSONB[models.MergeSnapshot]{Data: models.MergeSnapshot{
			Entity:        *absorbed,
			Identifiers:   absorbedIdentifiers,
			Relationships: absorbedRelationships,
		}},
		Actor:  req.Actor,
		Reason: optional(req.Reason),
	}
	audit, err = m.audits.Create(ctxTx, audit)
	if err != nil {
		return nil, err
	}

	err = m.auditLog.Append(ctxTx, &models.AuditEvent{
		Action:   "entity.merged",
		EntityID: &survivor.ID,
		Actor:    req.Actor,
		Detail: database.JSONB[map[string]any]{Data: map[string]any{
			"absorbed_id":           absorbed.ID,
			"merge_audit_id":        audit.ID,
			"relationships_moved":   moved,
			"relationships_skipped": skipped,
			"identifiers_copied":    copied,
			"reason":                req.Reason,
		}},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	log.WithFields(map[string]any{
		"relationships_moved": moved,
		"identifiers_copied":  copied,
	}).Info("Merged entity")

	m.emitter.EmitEntityMerged(ctx, audit)
	return audit, nil
}

// Unmerge restores an absorbed entity to canonical status. Intended only for
// correcting erroneous merges; relationships migrated by the original merge
// are not moved back, since which edges belong where is now ambiguous and
// needs manual review.
func (m *Manager) Unmerge(ctx context.Context, entityID, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.Unmerge")
	defer span.End()

	entity, err := m.entities.Get(ctx, entityID)
	if err != nil {
		return err
	}
	if !entity.IsAbsorbed() {
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("entity %s is not absorbed", entityID))
	}
	survivorID := *entity.MergedIntoID

	ctxTx, tx, err := m.entities.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctxTx)

	if err := database.AcquireEntityLocks(ctxTx, tx, entity.ID, survivorID); err != nil {
		return err
	}
	if err := m.entities.ClearMergedInto(ctxTx, entity.ID); err != nil {
		return err
	}
	if err := m.audits.MarkUnmerged(ctxTx, entity.ID); err != nil {
		return err
	}

	err = m.auditLog.Append(ctxTx, &models.AuditEvent{
		Action:   "entity.unmerged",
		EntityID: &entity.ID,
		Actor:    actor,
		Detail: database.JSONB[map[string]any]{Data: map[string]any{
			"was_merged_into": survivorID,
		}},
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return err
	}

	m.log.WithContext(ctx).WithFields(map[string]any{
		"entity_id":   entity.ID,
		"survivor_id": survivorID,
	}).Info("Unmerged entity")

	m.emitter.EmitEntityUnmerged(ctx, entity.ID, entity.Kind)
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
