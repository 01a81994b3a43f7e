// Package msggroup tracks long-running jobs as groups of tagged messages.
// A group is open while at least one message carrying its id is still on
// a queue, and is removed in the transaction that acknowledges the last one.
package msggroup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"mingle/internal/broker"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/logging"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
)

// SendFunc enqueues messages tagged with the job's group.
type SendFunc func(ctx context.Context, queue string, msgs ...models.Message) error

// ProduceFunc emits the work of a job inside the job's transaction.
type ProduceFunc func(ctx context.Context, tx broker.Tx, g *Group, send SendFunc) error

type Tracker struct {
	repo   Repository
	gw     broker.Gateway
	logger logger.Logger
}

func NewTracker(repo Repository, gw broker.Gateway, log logger.Logger) *Tracker {
	return &Tracker{repo: repo, gw: gw, logger: log}
}

// Open creates the group for (action, ownerID) inside tx.
func (t *Tracker) Open(ctx context.Context, tx broker.Tx, action, ownerID string) (*Group, error) {
	if action == "" || ownerID == "" {
		return nil, apperrors.ErrValidation.WithMessage("action and owner are required")
	}

	g := &Group{ID: uuid.New().String(), Action: action, OwnerID: ownerID}
	inserted, err := t.repo.Insert(ctx, tx, g)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, apperrors.ErrJobAlreadyActive.
			WithDetail("action", action).
			WithDetail("owner_id", ownerID)
	}

	tx.OnCommit(func() {
		metrics.MessageGroupsOpenedTotal.WithLabelValues(action).Inc()
		t.logger.InfowCtx(logging.WithGroupID(ctx, g.ID), "Message group opened",
			"action", action,
			"owner_id", ownerID,
		)
	})
	return g, nil
}

// TagAndSend stamps msgs with the group id and sends them in tx.
func (t *Tracker) TagAndSend(ctx context.Context, tx broker.Tx, groupID, queue string, msgs ...models.Message) error {
	g, err := t.repo.Get(ctx, tx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return notFound(groupID)
	}

	tagged := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		tagged[i] = msg.WithProperty(models.PropertyMessageGroupID, groupID)
	}
	return tx.Send(ctx, queue, tagged...)
}

// Close removes a group that has no pending messages. Jobs that tagged
// nothing use it to finish immediately.
func (t *Tracker) Close(ctx context.Context, tx broker.Tx, groupID string) error {
	g, err := t.repo.Lock(ctx, tx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return notFound(groupID)
	}

	pending, err := tx.CountByProperty(ctx, models.PropertyMessageGroupID, groupID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return apperrors.ErrConflict.
			WithMessage(fmt.Sprintf("message group still has %d pending messages", pending)).
			WithDetail("group_id", groupID)
	}
	return t.complete(ctx, tx, g)
}

func (t *Tracker) IsActive(ctx context.Context, action, ownerID string) (bool, error) {
	g, err := t.repo.FindByOwner(ctx, action, ownerID)
	if err != nil {
		return false, err
	}
	return g != nil, nil
}

func (t *Tracker) Find(ctx context.Context, groupID string) (*Group, error) {
	g, err := t.repo.Get(ctx, nil, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, notFound(groupID)
	}
	return g, nil
}

// Pending counts the messages still carrying groupID.
func (t *Tracker) Pending(ctx context.Context, groupID string) (int, error) {
	return t.gw.CountByProperty(ctx, models.PropertyMessageGroupID, groupID)
}

// Status reports the job state for (action, ownerID).
func (t *Tracker) Status(ctx context.Context, action, ownerID string) (models.JobStatus, error) {
	status := models.JobStatus{Action: action, OwnerID: ownerID}

	g, err := t.repo.FindByOwner(ctx, action, ownerID)
	if err != nil || g == nil {
		return status, err
	}

	pending, err := t.Pending(ctx, g.ID)
	if err != nil {
		return status, err
	}
	status.GroupID = g.ID
	status.Active = true
	status.Pending = pending
	return status, nil
}

// OnAcknowledge re-evaluates the group of msg inside the acknowledging
// transaction and deletes it when no tagged message remains. The group row
// is locked first so concurrent last acknowledgements serialize.
func (t *Tracker) OnAcknowledge(ctx context.Context, tx broker.Tx, msg models.Message) error {
	groupID := msg.GroupID()
	if groupID == "" {
		return nil
	}

	g, err := t.repo.Lock(ctx, tx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return nil
	}

	pending, err := tx.CountByProperty(ctx, models.PropertyMessageGroupID, groupID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	return t.complete(ctx, tx, g)
}

// RunJob opens a group for (action, ownerID), lets produce emit tagged
// messages and commits. A job that produced nothing is closed before commit.
func (t *Tracker) RunJob(ctx context.Context, action, ownerID string, produce ProduceFunc) (*Group, int, error) {
	tx, err := t.gw.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	g, err := t.Open(ctx, tx, action, ownerID)
	if err != nil {
		return nil, 0, err
	}

	sent := 0
	send := func(ctx context.Context, queue string, msgs ...models.Message) error {
		if err := t.TagAndSend(ctx, tx, g.ID, queue, msgs...); err != nil {
			return err
		}
		sent += len(msgs)
		return nil
	}

	if err := produce(ctx, tx, g, send); err != nil {
		return nil, 0, err
	}

	if sent == 0 {
		if err := t.complete(ctx, tx, g); err != nil {
			return nil, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit job %s: %w", action, err)
	}
	return g, sent, nil
}

func (t *Tracker) complete(ctx context.Context, tx broker.Tx, g *Group) error {
	if err := t.repo.Delete(ctx, tx, g.ID); err != nil {
		return err
	}
	tx.OnCommit(func() {
		metrics.MessageGroupsCompletedTotal.WithLabelValues(g.Action).Inc()
		t.logger.InfowCtx(logging.WithGroupID(ctx, g.ID), "Message group completed",
			"action", g.Action,
			"owner_id", g.OwnerID,
		)
	})
	return nil
}

func notFound(groupID string) error {
	return apperrors.ErrNotFound.
		WithMessage("message group not found").
		WithDetail("group_id", groupID)
}
