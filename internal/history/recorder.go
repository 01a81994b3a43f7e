package history

import (
	"context"

	"mingle/internal/broker"
	"mingle/internal/logger"
)

// Recorder is called by the domain layer inside the transaction that
// mutates an entity. It stores the new version and enqueues change
// generation in the same transaction, so either both happen or neither.
type Recorder struct {
	repo   Repository
	logger logger.Logger
}

func NewRecorder(repo Repository, log logger.Logger) *Recorder {
	return &Recorder{repo: repo, logger: log}
}

func (r *Recorder) Record(ctx context.Context, tx broker.Tx, s Snapshot) (*Event, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if err := r.repo.SaveSnapshot(ctx, tx, s); err != nil {
		return nil, err
	}

	e := &Event{
		ProjectID:  s.ProjectID,
		EntityType: s.EntityType,
		EntityID:   s.EntityID,
		Version:    s.Version,
	}
	if err := r.repo.InsertEvent(ctx, tx, e); err != nil {
		return nil, err
	}

	if err := tx.Send(ctx, ChangesQueue(e.EntityType), ChangesMessage(*e)); err != nil {
		return nil, err
	}

	r.logger.DebugwCtx(ctx, "Event recorded",
		"event_id", e.ID,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"version", e.Version,
	)
	return e, nil
}

// PurgeEntity removes the history of a deleted entity. Messages still
// queued for its events are skipped by the generator.
func (r *Recorder) PurgeEntity(ctx context.Context, tx broker.Tx, entityType string, entityID int64) error {
	if err := ValidateEntityType(entityType); err != nil {
		return err
	}
	return r.repo.DeleteEntity(ctx, tx, entityType, entityID)
}

func (r *Recorder) PurgeProject(ctx context.Context, tx broker.Tx, projectID int64) error {
	return r.repo.DeleteProject(ctx, tx, projectID)
}
