package derived

import (
	"context"

	"mingle/internal/broker"
	"mingle/internal/history"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

// ReindexHandler consumes reindex requests carrying entity ids, a project
// id and the entity type (cards when absent).
type ReindexHandler struct {
	indexer Indexer
	logger  logger.Logger
}

func NewReindexHandler(indexer Indexer, log logger.Logger) *ReindexHandler {
	return &ReindexHandler{indexer: indexer, logger: log}
}

func (h *ReindexHandler) Handle(ctx context.Context, tx broker.Tx, msg models.Message) error {
	field := "ids"
	if _, ok := msg.BodyField(field); !ok {
		field = "id"
	}
	ids, err := msg.Int64SliceBody(field)
	if err != nil {
		return apperrors.ErrMalformedMessage.WithCause(err)
	}

	entityType := msg.StringBody(models.PropertyType)
	if entityType == "" {
		entityType = history.EntityCard
	}
	if err := history.ValidateEntityType(entityType); err != nil {
		return apperrors.ErrMalformedMessage.WithCause(err)
	}

	if err := h.indexer.Index(ctx, tx, entityType, ids); err != nil {
		return err
	}

	h.logger.DebugwCtx(ctx, "Entities reindexed", "entity_type", entityType, "count", len(ids))
	return nil
}

// AggregateHandler recomputes the card aggregates of the message's project.
type AggregateHandler struct {
	aggregator Aggregator
	logger     logger.Logger
}

func NewAggregateHandler(aggregator Aggregator, log logger.Logger) *AggregateHandler {
	return &AggregateHandler{aggregator: aggregator, logger: log}
}

func (h *AggregateHandler) Handle(ctx context.Context, tx broker.Tx, msg models.Message) error {
	projectID, err := msg.Int64Body("project_id")
	if err != nil {
		return apperrors.ErrMalformedMessage.WithCause(err)
	}

	aggs, err := h.aggregator.Recompute(ctx, tx, projectID)
	if err != nil {
		return err
	}

	h.logger.DebugwCtx(ctx, "Aggregates recomputed", "project_id", projectID, "aggregates", len(aggs))
	return nil
}
