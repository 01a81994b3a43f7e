// Package admin exposes job submission and queue inspection over HTTP.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"mingle/internal/broker"
	"mingle/internal/chartcache"
	"mingle/internal/deadletter"
	"mingle/internal/derived"
	"mingle/internal/history"
	"mingle/internal/logger"
	"mingle/internal/msggroup"
	"mingle/pkg/cel"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
)

var knownActions = map[string]bool{
	models.ActionRegenerateChanges: true,
	models.ActionRebuildChartCache: true,
	models.ActionReindexProject:    true,
}

// Components are the job producers and stores the admin API drives.
type Components struct {
	Gateway     broker.Gateway
	Tracker     *msggroup.Tracker
	Recorder    *history.Recorder
	Regenerator *history.Regenerator
	Reindexer   *derived.ProjectReindexer
	Charts      *chartcache.Service
	Archive     deadletter.Archive
}

type Service struct {
	Components
	selectors *cel.Evaluator
	logger    logger.Logger
}

func NewService(c Components, log logger.Logger) *Service {
	if c.Archive == nil {
		c.Archive = deadletter.NopArchive{}
	}
	return &Service{Components: c, selectors: cel.NewEvaluator(), logger: log}
}

// RecordSnapshot stores a new entity version and queues its change
// generation in one transaction.
func (s *Service) RecordSnapshot(ctx context.Context, projectID int64, req RecordSnapshotRequest) (*history.Event, error) {
	var event *history.Event
	err := s.inTx(ctx, func(tx broker.Tx) error {
		e, err := s.Recorder.Record(ctx, tx, history.Snapshot{
			ProjectID:  projectID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Version:    req.Version,
			Fields:     req.Fields,
		})
		event = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) DeleteEntity(ctx context.Context, entityType string, entityID int64) error {
	return s.inTx(ctx, func(tx broker.Tx) error {
		return s.Recorder.PurgeEntity(ctx, tx, entityType, entityID)
	})
}

func (s *Service) DeleteProject(ctx context.Context, projectID int64) error {
	return s.inTx(ctx, func(tx broker.Tx) error {
		return s.Recorder.PurgeProject(ctx, tx, projectID)
	})
}

func (s *Service) inTx(ctx context.Context, fn func(tx broker.Tx) error) error {
	tx, err := s.Gateway.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return apperrors.ErrValidation.WithMessage(ve.Error()).WithDetail("field", ve.Field)
		}
		return err
	}
	return tx.Commit()
}

func (s *Service) RegenerateHistory(ctx context.Context, projectID int64) (*JobAccepted, error) {
	g, sent, err := s.Regenerator.Regenerate(ctx, projectID)
	s.recordJob(models.ActionRegenerateChanges, err)
	if err != nil {
		return nil, err
	}
	s.logger.InfowCtx(ctx, "History regeneration started", "project_id", projectID, "group_id", g.ID, "messages", sent)
	return accepted(g, sent), nil
}

func (s *Service) ReindexProject(ctx context.Context, projectID int64) (*JobAccepted, error) {
	g, sent, err := s.Reindexer.Reindex(ctx, projectID)
	s.recordJob(models.ActionReindexProject, err)
	if err != nil {
		return nil, err
	}
	s.logger.InfowCtx(ctx, "Project reindex started", "project_id", projectID, "group_id", g.ID, "messages", sent)
	return accepted(g, sent), nil
}

func (s *Service) RebuildChart(ctx context.Context, projectID int64, chart string, req RebuildChartRequest) (*JobAccepted, error) {
	r, err := parseRange(req.From, req.To)
	if err != nil {
		s.recordJob(models.ActionRebuildChartCache, err)
		return nil, err
	}

	g, err := s.Charts.Rebuild(ctx, projectID, chart, r.from, r.to)
	s.recordJob(models.ActionRebuildChartCache, err)
	if err != nil {
		return nil, err
	}
	s.logger.InfowCtx(ctx, "Chart rebuild started", "project_id", projectID, "chart", chart, "group_id", g.ID)
	return accepted(g, 1), nil
}

func (s *Service) Chart(ctx context.Context, projectID int64, chart, from, to string) (*chartcache.View, error) {
	r, err := parseRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.Charts.Read(ctx, projectID, chart, r.from, r.to)
}

func (s *Service) JobStatus(ctx context.Context, action, ownerID string) (models.JobStatus, error) {
	if !knownActions[action] {
		return models.JobStatus{}, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("unknown job action %q", action))
	}
	return s.Tracker.Status(ctx, action, ownerID)
}

func (s *Service) Group(ctx context.Context, groupID string) (*GroupStatus, error) {
	g, err := s.Tracker.Find(ctx, groupID)
	if err != nil {
		return nil, err
	}
	pending, err := s.Tracker.Pending(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	return &GroupStatus{Group: *g, Pending: pending}, nil
}

func (s *Service) QueueSize(ctx context.Context, queue string) (*QueueSize, error) {
	if err := validateQueue(queue); err != nil {
		return nil, err
	}
	size, err := s.Gateway.Size(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &QueueSize{Queue: queue, Size: size}, nil
}

// QueueMessages browses queue without leasing. An empty selector matches
// every message.
func (s *Service) QueueMessages(ctx context.Context, queue, selector string) (*QueueMessages, error) {
	if err := validateQueue(queue); err != nil {
		return nil, err
	}
	if err := s.selectors.ValidateSelector(selector); err != nil {
		return nil, apperrors.ErrValidation.WithMessage("invalid selector").WithCause(err)
	}

	msgs, err := s.Gateway.Browse(ctx, queue, selector)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &QueueMessages{Queue: queue, Selector: selector, Count: len(msgs), Messages: msgs}, nil
}

func (s *Service) DeadLetters(ctx context.Context, queue string, limit int) ([]deadletter.Entry, error) {
	if queue != "" {
		if err := validateQueue(queue); err != nil {
			return nil, err
		}
	}
	entries, err := s.Archive.List(ctx, deadletter.Filter{Queue: queue, Limit: limit})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	return entries, nil
}

func (s *Service) recordJob(action string, err error) {
	status := "accepted"
	switch {
	case err == nil:
	case apperrors.IsJobAlreadyActive(err):
		status = "conflict"
	case apperrors.IsValidation(err) || apperrors.IsNotFound(err):
		status = "rejected"
	default:
		status = "error"
	}
	metrics.AdminJobsTotal.WithLabelValues(action, status).Inc()
}

func validateQueue(queue string) error {
	if err := models.ValidateQueueName(queue); err != nil {
		return apperrors.ErrValidation.WithMessage(err.Error())
	}
	return nil
}

func parseRange(from, to string) (dayRange, error) {
	f, err := chartcache.ParseDay(from)
	if err != nil {
		return dayRange{}, apperrors.ErrValidation.WithMessage(fmt.Sprintf("invalid from %q", from))
	}
	t, err := chartcache.ParseDay(to)
	if err != nil {
		return dayRange{}, apperrors.ErrValidation.WithMessage(fmt.Sprintf("invalid to %q", to))
	}
	return dayRange{from: f, to: t}, nil
}

func parseProjectID(s string) (int64, error) {
	return parseID("project id", s)
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.ErrValidation.WithMessage(fmt.Sprintf("invalid %s %q", name, s))
	}
	return id, nil
}
