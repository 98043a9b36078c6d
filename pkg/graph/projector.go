package graph

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

// RelationshipSource reads the relational store's edges so the projector can
// refresh a survivor's edges after a merge.
type RelationshipSource interface {
	ListByEntity(ctx context.Context, entityID string) ([]models.Relationship, error)
}

// Projector mirrors identity lifecycle events into the graph projection and
// then hands them to the next emitter. Projection is best-effort like the
// rest of the event path: a failed write logs and moves on, since the graph
// can always be rebuilt from the relational store.
type Projector struct {
	entities      *EntityService
	relationships *RelationshipService
	source        RelationshipSource
	next          events.Emitter
	logger        ectologger.Logger
}

// NewProjector wraps an emitter with graph projection.
func NewProjector(client *Client, source RelationshipSource, next events.Emitter, logger ectologger.Logger) *Projector {
	return &Projector{
		entities:      NewEntityService(client, logger),
		relationships: NewRelationshipService(client, logger),
		source:        source,
		next:          next,
		logger:        logger,
	}
}

func (p *Projector) EmitEntityCreated(ctx context.Context, entity *models.Entity, decisionID string) {
	if err := p.entities.Project(ctx, entity); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entity.ID,
		}).Error("Failed to project entity node")
	}
	p.next.EmitEntityCreated(ctx, entity, decisionID)
}

func (p *Projector) EmitEntityMatched(ctx context.Context, entityID string, kind models.EntityKind, decisionID string, score float64) {
	p.next.EmitEntityMatched(ctx, entityID, kind, decisionID, score)
}

// EmitEntityMerged drops the absorbed node's migrated edges, records the
// merge pointer, and re-projects the survivor's edges from the relational
// store, which is authoritative after a merge.
func (p *Projector) EmitEntityMerged(ctx context.Context, audit *models.MergeAudit) {
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"survivor_id": audit.SurvivorID,
		"absorbed_id": audit.AbsorbedID,
	})

	if err := p.relationships.DropMigrated(ctx, audit.AbsorbedID); err != nil {
		log.WithError(err).Error("Failed to drop absorbed node edges")
	}
	if err := p.entities.ProjectMerge(ctx, audit.SurvivorID, audit.AbsorbedID); err != nil {
		log.WithError(err).Error("Failed to project merge pointer")
	}

	rels, err := p.source.ListByEntity(ctx, audit.SurvivorID)
	if err != nil {
		log.WithError(err).Error("Failed to list survivor edges for projection")
	}
	for i := range rels {
		if err := p.relationships.Project(ctx, &rels[i]); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"relationship_id": rels[i].ID,
			}).Error("Failed to project survivor edge")
		}
	}

	p.next.EmitEntityMerged(ctx, audit)
}

func (p *Projector) EmitEntityUnmerged(ctx context.Context, entityID string, kind models.EntityKind) {
	if err := p.entities.ProjectUnmerge(ctx, entityID); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entityID,
		}).Error("Failed to project unmerge")
	}
	p.next.EmitEntityUnmerged(ctx, entityID, kind)
}

func (p *Projector) EmitRelationshipLinked(ctx context.Context, rel *models.Relationship) {
	if err := p.relationships.Project(ctx, rel); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"relationship_id": rel.ID,
		}).Error("Failed to project relationship edge")
	}
	p.next.EmitRelationshipLinked(ctx, rel)
}

func (p *Projector) EmitHouseholdRebuilt(ctx context.Context, household *models.Household, memberCount int) {
	p.next.EmitHouseholdRebuilt(ctx, household, memberCount)
}
