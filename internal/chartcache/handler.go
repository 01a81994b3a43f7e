// Package chartcache precomputes daily chart series in bounded chunks. Each
// populate message computes at most chunk_days days and, while the range is
// unfinished, enqueues its own continuation in the same transaction.
package chartcache

import (
	"context"
	"fmt"
	"time"

	"mingle/internal/broker"
	"mingle/internal/constants"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
)

// Request is the body of a populate message.
type Request struct {
	ProjectID int64
	Chart     string
	From      time.Time
	To        time.Time
}

func (r Request) Message() models.Message {
	return models.NewMessageBuilder().
		WithField("project_id", r.ProjectID).
		WithField("chart", r.Chart).
		WithField("from", FormatDay(r.From)).
		WithField("to", FormatDay(r.To)).
		Build()
}

func ParseRequest(msg models.Message) (Request, error) {
	projectID, err := msg.Int64Body("project_id")
	if err != nil {
		return Request{}, err
	}
	chart := msg.StringBody("chart")
	if chart == "" {
		return Request{}, &models.ValidationError{Field: "body.chart", Message: "field is required"}
	}
	from, err := ParseDay(msg.StringBody("from"))
	if err != nil {
		return Request{}, &models.ValidationError{Field: "body.from", Message: err.Error()}
	}
	to, err := ParseDay(msg.StringBody("to"))
	if err != nil {
		return Request{}, &models.ValidationError{Field: "body.to", Message: err.Error()}
	}
	if to.Before(from) {
		return Request{}, &models.ValidationError{Field: "body.to", Message: "must not be before from"}
	}
	return Request{ProjectID: projectID, Chart: chart, From: from, To: to}, nil
}

type Handler struct {
	store     Store
	sources   map[string]SeriesSource
	chunkDays int
	logger    logger.Logger
}

func NewHandler(store Store, sources map[string]SeriesSource, chunkDays int, log logger.Logger) *Handler {
	if chunkDays <= 0 {
		chunkDays = constants.DefaultChartChunkDays
	}
	return &Handler{store: store, sources: sources, chunkDays: chunkDays, logger: log}
}

func (h *Handler) Handle(ctx context.Context, tx broker.Tx, msg models.Message) error {
	req, err := ParseRequest(msg)
	if err != nil {
		return apperrors.ErrMalformedMessage.WithCause(err)
	}
	source, ok := h.sources[req.Chart]
	if !ok {
		return apperrors.ErrMalformedMessage.WithMessage(fmt.Sprintf("unknown chart %q", req.Chart))
	}

	progress, err := h.store.LockProgress(ctx, tx, req.ProjectID, req.Chart)
	if err != nil {
		return err
	}
	if progress == nil {
		p := Progress{ProjectID: req.ProjectID, Chart: req.Chart, From: req.From, To: req.To}
		if err := h.store.Reset(ctx, tx, p); err != nil {
			return err
		}
		progress = &p
	}
	if !progress.From.Equal(req.From) || !progress.To.Equal(req.To) {
		h.logger.DebugwCtx(ctx, "Populate request superseded by a newer range",
			"project_id", req.ProjectID,
			"chart", req.Chart,
		)
		return nil
	}

	start := req.From
	if progress.ReadyThrough != nil {
		start = progress.ReadyThrough.AddDate(0, 0, 1)
	}
	if start.After(req.To) {
		return nil
	}
	end := start.AddDate(0, 0, h.chunkDays-1)
	if end.After(req.To) {
		end = req.To
	}

	values, err := source.Values(ctx, tx, req.ProjectID, start, end)
	if err != nil {
		return err
	}

	var points []Point
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		points = append(points, Point{Day: day, Value: values[day]})
	}
	if err := h.store.SavePoints(ctx, tx, req.ProjectID, req.Chart, points); err != nil {
		return err
	}
	if err := h.store.SetReadyThrough(ctx, tx, req.ProjectID, req.Chart, end); err != nil {
		return err
	}

	if end.Before(req.To) {
		next := req.Message()
		if groupID := msg.GroupID(); groupID != "" {
			next = next.WithProperty(models.PropertyMessageGroupID, groupID)
		}
		if err := tx.Send(ctx, constants.QueueChartCache, next); err != nil {
			return err
		}
	}

	days := len(points)
	tx.OnCommit(func() {
		metrics.ChartCacheDaysComputed.Add(float64(days))
	})

	h.logger.DebugwCtx(ctx, "Chart chunk computed",
		"project_id", req.ProjectID,
		"chart", req.Chart,
		"from", FormatDay(start),
		"through", FormatDay(end),
	)
	return nil
}
