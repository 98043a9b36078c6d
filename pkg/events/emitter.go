// Package events publishes identity lifecycle events to the event stream.
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Emitter is the event surface the engine publishes through. Emission is
// best-effort: failures are logged, never propagated into the resolution or
// merge path.
type Emitter interface {
	EmitEntityCreated(ctx context.Context, entity *models.Entity, decisionID string)
	EmitEntityMatched(ctx context.Context, entityID string, kind models.EntityKind, decisionID string, score float64)
	EmitEntityMerged(ctx context.Context, audit *models.MergeAudit)
	EmitEntityUnmerged(ctx context.Context, entityID string, kind models.EntityKind)
	EmitRelationshipLinked(ctx context.Context, rel *models.Relationship)
	EmitHouseholdRebuilt(ctx context.Context, household *models.Household, memberCount int)
}

// KafkaEmitter publishes events through the Kafka producer
type KafkaEmitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewKafkaEmitter creates a new Kafka-backed emitter
func NewKafkaEmitter(producer *kafka.Producer, logger ectologger.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		producer: producer,
		logger:   logger,
	}
}

func (e *KafkaEmitter) publish(ctx context.Context, event *kafka.IdentityEvent) {
	if err := e.producer.PublishIdentityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.EventType,
			"entity_id":  event.EntityID,
		}).Error("Failed to publish identity event")
	}
}

// EmitEntityCreated publishes an entity.created event
func (e *KafkaEmitter) EmitEntityCreated(ctx context.Context, entity *models.Entity, decisionID string) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaEmitter.EmitEntityCreated")
	defer span.End()

	detail, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"display_name":   entity.DisplayName,
		"source_system":  entity.SourceSystem,
	})

	e.publish(ctx, &kafka.IdentityEvent{
		EventType:  "entity.created",
		EntityID:   entity.ID,
		EntityKind: string(entity.Kind),
		DecisionID: decisionID,
		Detail:     detail,
	})
}

// EmitEntityMatched publishes an entity.matched event
func (e *KafkaEmitter) EmitEntityMatched(ctx context.Context, entityID string, kind models.EntityKind, decisionID string, score float64) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaEmitter.EmitEntityMatched")
	defer span.End()

	detail, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"score":          score,
	})

	e.publish(ctx, &kafka.IdentityEvent{
		EventType:  "entity.matched",
		EntityID:   entityID,
		EntityKind: string(kind),
		DecisionID: decisionID,
		Detail:     detail,
	})
}

// EmitEntityMerged publishes an entity.merged event keyed by the survivor
func (e *KafkaEmitter) EmitEntityMerged(ctx context.Context, audit *models.MergeAudit) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaEmitter.EmitEntityMerged")
	defer span.End()

	detail, _ := json.Marshal(map[string]any{
		"schema_version":        SchemaVersion,
		"absorbed_id":           audit.AbsorbedID,
		"relationships_moved":   audit.RelationshipsMoved,
		"relationships_skipped": audit.RelationshipsSkipped,
		"identifiers_copied":    audit.IdentifiersCopied,
		"actor":                 audit.Actor,
	})

	e.publish(ctx, &kafka.IdentityEvent{
		EventType:  "entity.merged",
		EntityID:   audit.SurvivorID,
		EntityKind: string(audit.Kind),
		Detail:     detail,
	})
}

// EmitEntityUnmerged publishes an entity.unmerged event
func (e *KafkaEmitter) EmitEntityUnmerged(ctx context.Context, entityID string, kind models.EntityKind) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaEmitter.EmitEntityUnmerged")
	defer span.End()

	e.publish(ctx, &kafka.IdentityEvent{
		EventType:  "entity.unmerged",
		EntityID:   entityID,
		EntityKind: string(kind),
	})
}

// EmitRelationshipLinked publishes a relationship.linked event keyed by the
// from endpoint
func (e *KafkaEmitter) EmitRelationshipLinked(ctx context.Context, rel *models.Relationship) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaEmitter.EmitRelationshipLinked")
	defer span.End()

	detail, _ := json.Marshal(map[string]any{
		"schema_version":  SchemaVersion,
		"relationship_id": rel.ID,
		"to_entity_id":    rel.ToEntityID,
		"kind":            rel.Kind,
		"evidence":        rel.Evidence,
		"confidence":      rel.Confidence,
		"source_system":   rel.SourceSystem,
	})

	e.publish(ctx, &kafka.IdentityEvent{
		EventType: "relationship.linked",
		EntityID:  rel.FromEntityID,
		Detail:    detail,
	})
}

// EmitHouseholdRebuilt publishes a household.rebuilt event keyed by the
// anchoring location
func (e *KafkaEmitter) EmitHouseholdRebuilt(ctx context.Context, household *models.Household, memberCount int) {
	ctx, span := tracing.StartSpan(ctx, "events.KafkaEmitter.EmitHouseholdRebuilt")
	defer span.End()

	detail, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"household_id":   household.ID,
		"member_count":   memberCount,
	})

	e.publish(ctx, &kafka.IdentityEvent{
		EventType:  "household.rebuilt",
		EntityID:   household.LocationID,
		EntityKind: string(models.EntityKindLocation),
		Detail:     detail,
	})
}

// NoopEmitter drops all events. Used in tests and when Kafka is disabled.
type NoopEmitter struct{}

func (NoopEmitter) EmitEntityCreated(context.Context, *models.Entity, string)                      {}
func (NoopEmitter) EmitEntityMatched(context.Context, string, models.EntityKind, string, float64)  {}
func (NoopEmitter) EmitEntityMerged(context.Context, *models.MergeAudit)                           {}
func (NoopEmitter) EmitEntityUnmerged(context.Context, string, models.EntityKind)                  {}
func (NoopEmitter) EmitRelationshipLinked(context.Context, *models.Relationship)                   {}
func (NoopEmitter) EmitHouseholdRebuilt(context.Context, *models.Household, int)                   {}
