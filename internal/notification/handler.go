// Package notification delivers one notification per generated history
// event to an external sink. Delivery happens outside the consuming
// transaction, so a Redis claim keyed by event id keeps redeliveries from
// publishing twice.
package notification

import (
	"context"
	"strconv"
	"time"

	"mingle/internal/broker"
	"mingle/internal/constants"
	"mingle/internal/history"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
)

type Handler struct {
	repo   history.Repository
	guard  Guard
	sink   Sink
	ttl    time.Duration
	logger logger.Logger
}

func NewHandler(repo history.Repository, guard Guard, sink Sink, ttl time.Duration, log logger.Logger) *Handler {
	if ttl <= 0 {
		ttl = constants.DefaultNotificationTTL
	}
	return &Handler{repo: repo, guard: guard, sink: sink, ttl: ttl, logger: log}
}

// ClaimKey is the dedupe key of the notification for eventID.
func ClaimKey(eventID int64) string {
	return constants.CacheKeyPrefixNotification + strconv.FormatInt(eventID, 10)
}

func (h *Handler) Handle(ctx context.Context, tx broker.Tx, msg models.Message) error {
	eventID, err := msg.Int64Body("event_id")
	if err != nil {
		return apperrors.ErrMalformedMessage.WithCause(err)
	}

	event, err := h.repo.GetEvent(ctx, tx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return apperrors.ErrReferentMissing.WithDetail("event_id", eventID)
	}
	changes, err := h.repo.Changes(ctx, tx, eventID)
	if err != nil {
		return err
	}

	key := ClaimKey(eventID)
	claimed, err := h.guard.Claim(ctx, key, h.ttl)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.IncNotification(h.sink.Name(), "duplicate")
		h.logger.DebugwCtx(ctx, "Notification already delivered",
			"event_id", eventID,
		)
		return nil
	}

	n := Notification{
		EventID:    event.ID,
		ProjectID:  event.ProjectID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Version:    event.Version,
		Changes:    changes,
		OccurredAt: event.CreatedAt,
	}

	start := time.Now()
	err = h.sink.Publish(ctx, n)
	metrics.ObserveSinkWrite(h.sink.Name(), time.Since(start))
	if err != nil {
		metrics.IncNotification(h.sink.Name(), "failed")
		if relErr := h.guard.Release(ctx, key); relErr != nil {
			h.logger.ErrorwCtx(ctx, "Failed to release notification claim",
				"event_id", eventID,
				"error", relErr,
			)
		}
		return apperrors.ErrServiceUnavailable.WithCause(err)
	}

	metrics.IncNotification(h.sink.Name(), "delivered")
	h.logger.DebugwCtx(ctx, "Notification delivered",
		"event_id", eventID,
		"sink", h.sink.Name(),
	)
	return nil
}
