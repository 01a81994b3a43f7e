package chartcache

import (
	"context"
	"fmt"
	"time"

	"mingle/internal/broker"
	"mingle/internal/constants"
	"mingle/internal/msggroup"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

// View is what readers get for a chart range. Points cover only the days
// already computed; Complete reports whether the whole range is ready.
type View struct {
	ProjectID    int64      `json:"project_id"`
	Chart        string     `json:"chart"`
	Points       []Point    `json:"points"`
	ReadyThrough *time.Time `json:"ready_through,omitempty"`
	Complete     bool       `json:"complete"`
}

type Service struct {
	store   Store
	tracker *msggroup.Tracker
	charts  map[string]SeriesSource
}

func NewService(store Store, tracker *msggroup.Tracker, charts map[string]SeriesSource) *Service {
	return &Service{store: store, tracker: tracker, charts: charts}
}

// Read returns the cached part of [from, to] without waiting for population.
func (s *Service) Read(ctx context.Context, projectID int64, chart string, from, to time.Time) (*View, error) {
	from, to = Day(from), Day(to)
	if err := s.validate(projectID, chart, from, to); err != nil {
		return nil, err
	}

	view := &View{ProjectID: projectID, Chart: chart, Points: []Point{}}

	progress, err := s.store.Progress(ctx, nil, projectID, chart)
	if err != nil {
		return nil, err
	}
	if progress == nil || progress.ReadyThrough == nil || !progress.covers(from, to) {
		return view, nil
	}

	ready := *progress.ReadyThrough
	view.ReadyThrough = &ready
	view.Complete = !ready.Before(to)

	through := to
	if ready.Before(through) {
		through = ready
	}
	if through.Before(from) {
		return view, nil
	}

	points, err := s.store.Points(ctx, projectID, chart, from, through)
	if err != nil {
		return nil, err
	}
	if points != nil {
		view.Points = points
	}
	return view, nil
}

// Rebuild discards the cached chart and starts populating [from, to] as a
// tracked job owned by the project and chart.
func (s *Service) Rebuild(ctx context.Context, projectID int64, chart string, from, to time.Time) (*msggroup.Group, error) {
	from, to = Day(from), Day(to)
	if err := s.validate(projectID, chart, from, to); err != nil {
		return nil, err
	}

	req := Request{ProjectID: projectID, Chart: chart, From: from, To: to}
	g, _, err := s.tracker.RunJob(ctx, models.ActionRebuildChartCache, JobOwner(projectID, chart),
		func(ctx context.Context, tx broker.Tx, g *msggroup.Group, send msggroup.SendFunc) error {
			if err := s.store.Reset(ctx, tx, Progress{ProjectID: projectID, Chart: chart, From: from, To: to}); err != nil {
				return err
			}
			return send(ctx, constants.QueueChartCache, req.Message())
		})
	return g, err
}

// JobOwner is the owner key of a chart rebuild job.
func JobOwner(projectID int64, chart string) string {
	return fmt.Sprintf("%d:%s", projectID, chart)
}

func (s *Service) validate(projectID int64, chart string, from, to time.Time) error {
	if projectID <= 0 {
		return apperrors.ErrValidation.WithMessage("project_id must be positive")
	}
	if _, ok := s.charts[chart]; !ok {
		return apperrors.ErrNotFound.WithMessage(fmt.Sprintf("unknown chart %q", chart))
	}
	if to.Before(from) {
		return apperrors.ErrValidation.WithMessage("to must not be before from")
	}
	return nil
}
