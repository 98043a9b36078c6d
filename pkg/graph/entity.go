package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
)

// EntityService projects canonical entities into the graph database. The
// graph is a read-optimized mirror of the relational store; it is never the
// source of truth.
type EntityService struct {
	client *Client
	logger ectologger.Logger
}

// NewEntityService creates a new entity service
func NewEntityService(client *Client, logger ectologger.Logger) *EntityService {
	return &EntityService{
		client: client,
		logger: logger,
	}
}

// kindLabel maps an entity kind to its node label (:Person, :Animal,
// :Location).
func kindLabel(kind models.EntityKind) string {
	switch kind {
	case models.EntityKindPerson:
		return "Person"
	case models.EntityKindAnimal:
		return "Animal"
	case models.EntityKindLocation:
		return "Location"
	default:
		return "Entity"
	}
}

// Project creates or updates an entity node in the graph
func (s *EntityService) Project(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.Project")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id": entity.ID,
		"kind":      entity.Kind,
	})

	props := map[string]any{
		"id":           entity.ID,
		"kind":         string(entity.Kind),
		"display_name": entity.DisplayName,
		"data_quality": string(entity.DataQuality),
		"source":       entity.SourceSystem,
		"created_at":   entity.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"updated_at":   entity.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}

	cypher := fmt.Sprintf(`
		MERGE (e:%s {id: $id})
		SET e = $props
		RETURN e
	`, kindLabel(entity.Kind))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":    entity.ID,
			"props": props,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to project entity into graph")
		return fmt.Errorf("failed to project entity into graph: %w", err)
	}

	log.Debug("Projected entity into graph")
	return nil
}

// ProjectMerge marks an absorbed node and links it to its survivor with a
// MERGED_INTO edge, so graph traversals can follow the merge forest.
func (s *EntityService) ProjectMerge(ctx context.Context, survivorID, absorbedID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.ProjectMerge")
	defer span.End()

	cypher := `
		MATCH (absorbed {id: $absorbed_id})
		MATCH (survivor {id: $survivor_id})
		SET absorbed.merged_into_id = $survivor_id
		MERGE (absorbed)-[r:MERGED_INTO]->(survivor)
		RETURN r
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"absorbed_id": absorbedID,
			"survivor_id": survivorID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to project merge into graph")
		return fmt.Errorf("failed to project merge into graph: %w", err)
	}
	return nil
}

// ProjectUnmerge drops the MERGED_INTO edge and restores the node to
// canonical status.
func (s *EntityService) ProjectUnmerge(ctx context.Context, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.ProjectUnmerge")
	defer span.End()

	cypher := `
		MATCH (e {id: $id})
		OPTIONAL MATCH (e)-[r:MERGED_INTO]->()
		DELETE r
		SET e.merged_into_id = NULL
		RETURN e
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to project unmerge into graph")
		return fmt.Errorf("failed to project unmerge into graph: %w", err)
	}
	return nil
}

// Get retrieves an entity node by id
func (s *EntityService) Get(ctx context.Context, entityID string) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.Get")
	defer span.End()

	cypher := `
		MATCH (e {id: $id})
		WHERE e.deleted_at IS NULL
		RETURN e
	`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}

		if result.Next(ctx) {
			record := result.Record()
			node, ok := record.Get("e")
			if !ok {
				return nil, nil
			}
			n := node.(neo4j.Node)
			return n.Props, nil
		}
		return nil, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get entity from graph: %w", err)
	}

	if result == nil {
		return nil, nil
	}

	return result.(map[string]any), nil
}
