package chartcache

import (
	"context"
	"fmt"
	"time"

	"mingle/internal/broker"
	"mingle/internal/constants"
	"mingle/internal/history"
)

// ChartEventsPerDay counts recorded history events per day.
const ChartEventsPerDay = "events_per_day"

// SeriesSource computes the daily values of one chart. Days without data
// may be omitted; the handler stores them as zero.
type SeriesSource interface {
	Values(ctx context.Context, tx broker.Tx, projectID int64, from, to time.Time) (map[time.Time]float64, error)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(constants.DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

func FormatDay(t time.Time) string {
	return t.Format(constants.DateLayout)
}

// NewEventSeries picks the SQL series when gw is backed by a database and
// falls back to scanning the history repository.
func NewEventSeries(gw broker.Gateway, repo history.Repository) SeriesSource {
	if src, ok := broker.AsSQLSource(gw); ok {
		return &PostgresEventSeries{src: src}
	}
	return &RepositoryEventSeries{repo: repo}
}

type PostgresEventSeries struct {
	src broker.SQLSource
}

func (s *PostgresEventSeries) Values(ctx context.Context, tx broker.Tx, projectID int64, from, to time.Time) (map[time.Time]float64, error) {
	rows, err := broker.Conn(s.src, tx).QueryContext(ctx, `
		SELECT (created_at AT TIME ZONE 'UTC')::date AS day, COUNT(*)
		FROM history_events
		WHERE project_id = $1
		  AND created_at >= $2
		  AND created_at < $3
		GROUP BY day
	`, projectID, from, to.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	values := make(map[time.Time]float64)
	for rows.Next() {
		var (
			day   time.Time
			count int64
		)
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		values[Day(day)] = float64(count)
	}
	return values, rows.Err()
}

type RepositoryEventSeries struct {
	repo history.Repository
}

func (s *RepositoryEventSeries) Values(ctx context.Context, tx broker.Tx, projectID int64, from, to time.Time) (map[time.Time]float64, error) {
	events, err := s.repo.ProjectEvents(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}

	values := make(map[time.Time]float64)
	for _, e := range events {
		day := Day(e.CreatedAt)
		if day.Before(from) || day.After(to) {
			continue
		}
		values[day]++
	}
	return values, nil
}
