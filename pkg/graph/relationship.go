package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
)

// RelationshipService projects relationship edges into the graph database
type RelationshipService struct {
	client *Client
	logger ectologger.Logger
}

// NewRelationshipService creates a new relationship service
func NewRelationshipService(client *Client, logger ectologger.Logger) *RelationshipService {
	return &RelationshipService{
		client: client,
		logger: logger,
	}
}

var labelSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// edgeType maps a relationship kind to its Cypher edge type (OWNER,
// FOUND_AT, ...). Kinds come from a closed set but the output is still
// sanitized because it is interpolated into the query text.
func edgeType(kind models.RelationshipKind) string {
	t := labelSanitizer.ReplaceAllString(strings.ToUpper(string(kind)), "_")
	if t == "" {
		return "RELATED_TO"
	}
	return t
}

// Project creates or updates a relationship edge in the graph
func (s *RelationshipService) Project(ctx context.Context, rel *models.Relationship) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.Project")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"relationship_id": rel.ID,
		"kind":            rel.Kind,
	})

	cypher := fmt.Sprintf(`
		MATCH (from {id: $from_id})
		MATCH (to {id: $to_id})
		MERGE (from)-[r:%s {id: $id}]->(to)
		SET r.evidence = $evidence,
			r.confidence = $confidence,
			r.source = $source,
			r.updated_at = $updated_at
		RETURN r
	`, edgeType(rel.Kind))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":         rel.ID,
			"from_id":    rel.FromEntityID,
			"to_id":      rel.ToEntityID,
			"evidence":   string(rel.Evidence),
			"confidence": int(rel.Confidence),
			"source":     rel.SourceSystem,
			"updated_at": rel.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to project relationship into graph")
		return fmt.Errorf("failed to project relationship into graph: %w", err)
	}

	log.Debug("Projected relationship into graph")
	return nil
}

// DropMigrated removes every non-merge edge touching the absorbed entity.
// After a merge the surviving edges are re-projected from the relational
// store, which keeps the graph consistent without requiring apoc.
func (s *RelationshipService) DropMigrated(ctx context.Context, absorbedID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.DropMigrated")
	defer span.End()

	cypher := `
		MATCH (old {id: $old_id})-[r]-()
		WHERE type(r) <> 'MERGED_INTO'
		DELETE r
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"old_id": absorbedID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to drop migrated edges from graph")
		return fmt.Errorf("failed to drop migrated edges from graph: %w", err)
	}
	return nil
}

// Delete removes a relationship edge by id
func (s *RelationshipService) Delete(ctx context.Context, relationshipID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.Delete")
	defer span.End()

	cypher := `
		MATCH ()-[r {id: $id}]->()
		DELETE r
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": relationshipID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to delete relationship from graph")
		return fmt.Errorf("failed to delete relationship from graph: %w", err)
	}
	return nil
}
