package history

import (
	"context"
	"strconv"

	"mingle/internal/broker"
	"mingle/internal/msggroup"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

// Regenerator rebuilds the Changes of a whole project as a tracked job.
type Regenerator struct {
	repo    Repository
	tracker *msggroup.Tracker
}

func NewRegenerator(repo Repository, tracker *msggroup.Tracker) *Regenerator {
	return &Regenerator{repo: repo, tracker: tracker}
}

// Regenerate clears the project's Changes and enqueues one change-generation
// message per Event, all tagged with a new group. It fails with
// ErrJobAlreadyActive while a previous run is still pending.
func (r *Regenerator) Regenerate(ctx context.Context, projectID int64) (*msggroup.Group, int, error) {
	if projectID <= 0 {
		return nil, 0, apperrors.ErrValidation.WithMessage("project_id must be positive")
	}

	owner := strconv.FormatInt(projectID, 10)
	return r.tracker.RunJob(ctx, models.ActionRegenerateChanges, owner,
		func(ctx context.Context, tx broker.Tx, g *msggroup.Group, send msggroup.SendFunc) error {
			events, err := r.repo.ProjectEvents(ctx, tx, projectID)
			if err != nil {
				return err
			}
			if err := r.repo.ResetProject(ctx, tx, projectID); err != nil {
				return err
			}

			for _, e := range events {
				if err := send(ctx, ChangesQueue(e.EntityType), ChangesMessage(e)); err != nil {
					return err
				}
			}
			return nil
		})
}
