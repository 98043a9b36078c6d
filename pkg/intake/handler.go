// Package intake wires the Kafka consumer to the resolution engine. Records
// arrive on the intake topic either singly or in batches and every one of
// them flows through the same resolve path as the HTTP API.
package intake

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Resolver is the slice of the resolution service the intake path uses.
type Resolver interface {
	Resolve(ctx context.Context, record *models.IncomingRecord) (*models.Resolution, error)
	ResolveBatch(ctx context.Context, records []models.IncomingRecord) (*models.BatchResult, error)
	BatchLimit() int
}

// Handler processes intake messages from Kafka
type Handler struct {
	logger   ectologger.Logger
	resolver Resolver
}

// NewHandler creates a new intake handler
func NewHandler(logger ectologger.Logger, resolver Resolver) *Handler {
	return &Handler{
		logger:   logger,
		resolver: resolver,
	}
}

// ProcessMessage handles an incoming intake message. Returning an error
// leaves the message uncommitted so it is retried.
func (h *Handler) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "intake.Handler.ProcessMessage")
	defer span.End()

	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    msg.Key,
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	if msg.IsBatch() {
		return h.processBatch(ctx, msg, log)
	}
	return h.processRecord(ctx, msg, log)
}

func (h *Handler) processRecord(ctx context.Context, msg *kafka.IncomingMessage, log ectologger.Logger) error {
	if msg.Record == nil {
		if err := msg.ParseRecord(); err != nil {
			log.WithError(err).Error("Failed to parse intake record")
			// Malformed records never become parseable; skip instead of retrying.
			return nil
		}
	}

	result, err := h.resolver.Resolve(ctx, msg.Record)
	if err != nil {
		log.WithError(err).Error("Failed to resolve intake record")
		return err
	}

	log.WithFields(map[string]any{
		"outcome":   result.Outcome,
		"entity_id": result.EntityID,
		"score":     result.Score,
		"replayed":  result.Replayed,
	}).Info("Resolved intake record")
	return nil
}

func (h *Handler) processBatch(ctx context.Context, msg *kafka.IncomingMessage, log ectologger.Logger) error {
	if msg.Batch == nil {
		if err := msg.ParseBatch(); err != nil {
			log.WithError(err).Error("Failed to parse intake batch")
			return nil
		}
	}

	if len(msg.Batch) == 0 {
		log.Warn("Intake batch is empty, skipping")
		return nil
	}

	// Oversized payloads are split so a producer that batches aggressively
	// cannot wedge the partition on the batch size limit.
	limit := h.resolver.BatchLimit()
	if limit <= 0 {
		limit = len(msg.Batch)
	}
	for start := 0; start < len(msg.Batch); start += limit {
		end := start + limit
		if end > len(msg.Batch) {
			end = len(msg.Batch)
		}

		result, err := h.resolver.ResolveBatch(ctx, msg.Batch[start:end])
		if err != nil {
			log.WithError(err).Error("Failed to resolve intake batch")
			return err
		}

		log.WithFields(map[string]any{
			"records": end - start,
			"failed":  result.Failed,
		}).Info("Resolved intake batch")

		for _, item := range result.Items {
			if item.Error != "" {
				log.WithFields(map[string]any{
					"index": start + item.Index,
					"error": item.Error,
				}).Warn("Intake batch item failed")
			}
		}
	}
	return nil
}
