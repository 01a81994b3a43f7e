package history

import (
	"context"

	"mingle/internal/broker"
	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
)

// Generator consumes change-generation messages. It is registered for the
// card queue; page messages reach it through a redirect and are told apart
// by the type field.
type Generator struct {
	repo    Repository
	loader  VersionLoader
	differ  Differ
	cascade config.CascadeConfig
	logger  logger.Logger
}

func NewGenerator(repo Repository, cfg config.HistoryConfig, log logger.Logger) *Generator {
	return &Generator{
		repo:    repo,
		loader:  NewSnapshotLoader(repo),
		differ:  NewFieldDiffer(cfg.IgnoredFields...),
		cascade: cfg.Cascade,
		logger:  log,
	}
}

func (g *Generator) Handle(ctx context.Context, tx broker.Tx, msg models.Message) error {
	eventID, err := msg.Int64Body("id")
	if err != nil {
		return apperrors.ErrMalformedMessage.WithCause(err)
	}
	if t := msg.StringBody(models.PropertyType); t != "" {
		if err := ValidateEntityType(t); err != nil {
			return apperrors.ErrMalformedMessage.WithCause(err)
		}
	}

	e, err := g.repo.LockEvent(ctx, tx, eventID)
	if err != nil {
		return err
	}
	if e == nil {
		return apperrors.ErrReferentMissing.WithDetail("event_id", eventID)
	}
	if e.ChangesGenerated {
		g.logger.DebugwCtx(ctx, "Changes already generated", "event_id", e.ID)
		return nil
	}

	current, previous, err := g.loader.Load(ctx, tx, *e)
	if err != nil {
		return err
	}

	changes := g.differ.Diff(previous, current)
	if err := g.repo.SaveChanges(ctx, tx, e.ID, changes); err != nil {
		return err
	}

	if err := g.enqueueCascades(ctx, tx, *e, len(changes)); err != nil {
		return err
	}

	entityType := e.EntityType
	n := len(changes)
	tx.OnCommit(func() {
		metrics.ChangesGeneratedTotal.WithLabelValues(entityType).Add(float64(n))
	})

	g.logger.DebugwCtx(ctx, "Changes generated",
		"event_id", e.ID,
		"entity_type", e.EntityType,
		"changes", n,
	)
	return nil
}

func (g *Generator) enqueueCascades(ctx context.Context, tx broker.Tx, e Event, changes int) error {
	if g.cascade.Reindex {
		msg := models.NewMessageBuilder().
			WithField("ids", []int64{e.EntityID}).
			WithField("project_id", e.ProjectID).
			WithType(e.EntityType).
			Build()
		if err := tx.Send(ctx, constants.QueueIndexingCards, msg); err != nil {
			return err
		}
	}

	if g.cascade.Aggregates && e.EntityType == EntityCard {
		msg := models.NewMessageBuilder().
			WithField("project_id", e.ProjectID).
			Build()
		if err := tx.Send(ctx, constants.QueueComputeAggregates, msg); err != nil {
			return err
		}
	}

	if g.cascade.Notifications && changes > 0 {
		msg := models.NewMessageBuilder().
			WithField("event_id", e.ID).
			WithField("project_id", e.ProjectID).
			WithType(e.EntityType).
			Build()
		if err := tx.Send(ctx, constants.QueueNotifications, msg); err != nil {
			return err
		}
	}
	return nil
}
