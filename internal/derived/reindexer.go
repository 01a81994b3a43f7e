package derived

import (
	"context"
	"strconv"

	"mingle/internal/broker"
	"mingle/internal/constants"
	"mingle/internal/history"
	"mingle/internal/msggroup"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

const reindexChunk = 100

// ProjectReindexer rebuilds every search document of a project as a
// tracked job.
type ProjectReindexer struct {
	repo    history.Repository
	tracker *msggroup.Tracker
}

func NewProjectReindexer(repo history.Repository, tracker *msggroup.Tracker) *ProjectReindexer {
	return &ProjectReindexer{repo: repo, tracker: tracker}
}

// Reindex enqueues one reindex message per chunk of entities of each type.
func (r *ProjectReindexer) Reindex(ctx context.Context, projectID int64) (*msggroup.Group, int, error) {
	if projectID <= 0 {
		return nil, 0, apperrors.ErrValidation.WithMessage("project_id must be positive")
	}

	return r.tracker.RunJob(ctx, models.ActionReindexProject, strconv.FormatInt(projectID, 10),
		func(ctx context.Context, tx broker.Tx, g *msggroup.Group, send msggroup.SendFunc) error {
			for _, entityType := range []string{history.EntityCard, history.EntityPage} {
				snapshots, err := r.repo.LatestSnapshots(ctx, tx, projectID, entityType)
				if err != nil {
					return err
				}
				ids := make([]int64, 0, len(snapshots))
				for _, s := range snapshots {
					ids = append(ids, s.EntityID)
				}
				for start := 0; start < len(ids); start += reindexChunk {
					end := start + reindexChunk
					if end > len(ids) {
						end = len(ids)
					}
					msg := models.NewMessageBuilder().
						WithField("ids", ids[start:end]).
						WithField("project_id", projectID).
						WithType(entityType).
						Build()
					if err := send(ctx, constants.QueueIndexingCards, msg); err != nil {
						return err
					}
				}
			}
			return nil
		})
}
