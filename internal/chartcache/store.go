package chartcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mingle/internal/broker"
)

// Point is the cached value of a chart for one day.
type Point struct {
	Day   time.Time `json:"day"`
	Value float64   `json:"value"`
}

// Progress records how far population of a chart's range has got.
// ReadyThrough is nil until the first chunk is stored.
type Progress struct {
	ProjectID    int64      `json:"project_id"`
	Chart        string     `json:"chart"`
	From         time.Time  `json:"from"`
	To           time.Time  `json:"to"`
	ReadyThrough *time.Time `json:"ready_through,omitempty"`
}

func (p Progress) covers(from, to time.Time) bool {
	return !from.Before(p.From) && !to.After(p.To)
}

// Store persists cached points and population progress. A nil tx runs
// against the shared pool.
type Store interface {
	// Reset drops the chart's points and starts a new range with nothing ready.
	Reset(ctx context.Context, tx broker.Tx, p Progress) error
	Progress(ctx context.Context, tx broker.Tx, projectID int64, chart string) (*Progress, error)
	// LockProgress reads the progress row and holds it until tx ends.
	LockProgress(ctx context.Context, tx broker.Tx, projectID int64, chart string) (*Progress, error)
	SavePoints(ctx context.Context, tx broker.Tx, projectID int64, chart string, points []Point) error
	SetReadyThrough(ctx context.Context, tx broker.Tx, projectID int64, chart string, day time.Time) error
	Points(ctx context.Context, projectID int64, chart string, from, to time.Time) ([]Point, error)
}

func NewStore(gw broker.Gateway) Store {
	if src, ok := broker.AsSQLSource(gw); ok {
		return NewPostgresStore(src)
	}
	return NewMemoryStore()
}

type PostgresStore struct {
	src broker.SQLSource
}

func NewPostgresStore(src broker.SQLSource) *PostgresStore {
	return &PostgresStore{src: src}
}

func (s *PostgresStore) Reset(ctx context.Context, tx broker.Tx, p Progress) error {
	conn := broker.Conn(s.src, tx)

	if _, err := conn.ExecContext(ctx,
		`DELETE FROM chart_cache_points WHERE project_id = $1 AND chart = $2`, p.ProjectID, p.Chart,
	); err != nil {
		return fmt.Errorf("failed to clear chart points: %w", err)
	}

	query := `
		INSERT INTO chart_cache_progress (project_id, chart, range_from, range_to, ready_through, updated_at)
		VALUES ($1, $2, $3, $4, NULL, NOW())
		ON CONFLICT (project_id, chart)
		DO UPDATE SET range_from = EXCLUDED.range_from,
		              range_to = EXCLUDED.range_to,
		              ready_through = NULL,
		              updated_at = NOW()
	`
	if _, err := conn.ExecContext(ctx, query, p.ProjectID, p.Chart, p.From, p.To); err != nil {
		return fmt.Errorf("failed to reset chart progress: %w", err)
	}
	return nil
}

const progressQuery = `
	SELECT range_from, range_to, ready_through
	FROM chart_cache_progress
	WHERE project_id = $1 AND chart = $2
`

func (s *PostgresStore) Progress(ctx context.Context, tx broker.Tx, projectID int64, chart string) (*Progress, error) {
	return s.scanProgress(ctx, tx, progressQuery, projectID, chart)
}

func (s *PostgresStore) LockProgress(ctx context.Context, tx broker.Tx, projectID int64, chart string) (*Progress, error) {
	return s.scanProgress(ctx, tx, progressQuery+" FOR UPDATE", projectID, chart)
}

func (s *PostgresStore) scanProgress(ctx context.Context, tx broker.Tx, query string, projectID int64, chart string) (*Progress, error) {
	var (
		p     = Progress{ProjectID: projectID, Chart: chart}
		ready sql.NullTime
	)
	err := broker.Conn(s.src, tx).QueryRowContext(ctx, query, projectID, chart).Scan(&p.From, &p.To, &ready)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chart progress: %w", err)
	}

	p.From = Day(p.From)
	p.To = Day(p.To)
	if ready.Valid {
		d := Day(ready.Time)
		p.ReadyThrough = &d
	}
	return &p, nil
}

func (s *PostgresStore) SavePoints(ctx context.Context, tx broker.Tx, projectID int64, chart string, points []Point) error {
	conn := broker.Conn(s.src, tx)

	for _, pt := range points {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO chart_cache_points (project_id, chart, day, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_id, chart, day) DO UPDATE SET value = EXCLUDED.value
		`, projectID, chart, pt.Day, pt.Value); err != nil {
			return fmt.Errorf("failed to save chart point: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SetReadyThrough(ctx context.Context, tx broker.Tx, projectID int64, chart string, day time.Time) error {
	if _, err := broker.Conn(s.src, tx).ExecContext(ctx, `
		UPDATE chart_cache_progress
		SET ready_through = $3, updated_at = NOW()
		WHERE project_id = $1 AND chart = $2
	`, projectID, chart, day); err != nil {
		return fmt.Errorf("failed to update chart progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) Points(ctx context.Context, projectID int64, chart string, from, to time.Time) ([]Point, error) {
	rows, err := s.src.DB().QueryContext(ctx, `
		SELECT day, value
		FROM chart_cache_points
		WHERE project_id = $1 AND chart = $2 AND day BETWEEN $3 AND $4
		ORDER BY day
	`, projectID, chart, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var pt Point
		if err := rows.Scan(&pt.Day, &pt.Value); err != nil {
			return nil, fmt.Errorf("failed to scan chart point: %w", err)
		}
		pt.Day = Day(pt.Day)
		points = append(points, pt)
	}
	return points, rows.Err()
}

type chartKey struct {
	projectID int64
	chart     string
}

type MemoryStore struct {
	mu       sync.Mutex
	progress map[chartKey]Progress
	points   map[chartKey]map[time.Time]float64
	locks    *broker.RowLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		progress: make(map[chartKey]Progress),
		points:   make(map[chartKey]map[time.Time]float64),
		locks:    broker.NewRowLocks(),
	}
}

func (s *MemoryStore) Reset(ctx context.Context, tx broker.Tx, p Progress) error {
	key := chartKey{p.ProjectID, p.Chart}

	s.mu.Lock()
	prevProgress, hadProgress := s.progress[key]
	prevPoints := s.points[key]
	p.ReadyThrough = nil
	s.progress[key] = p
	delete(s.points, key)
	s.mu.Unlock()

	s.undo(tx, func() {
		if hadProgress {
			s.progress[key] = prevProgress
		} else {
			delete(s.progress, key)
		}
		if prevPoints != nil {
			s.points[key] = prevPoints
		}
	})
	return nil
}

func (s *MemoryStore) Progress(ctx context.Context, tx broker.Tx, projectID int64, chart string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[chartKey{projectID, chart}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) LockProgress(ctx context.Context, tx broker.Tx, projectID int64, chart string) (*Progress, error) {
	s.locks.Lock(tx, fmt.Sprintf("%d:%s", projectID, chart))
	return s.Progress(ctx, tx, projectID, chart)
}

func (s *MemoryStore) SavePoints(ctx context.Context, tx broker.Tx, projectID int64, chart string, points []Point) error {
	key := chartKey{projectID, chart}

	s.mu.Lock()
	days, ok := s.points[key]
	if !ok {
		days = make(map[time.Time]float64)
		s.points[key] = days
	}
	type previous struct {
		value float64
		ok    bool
	}
	prev := make(map[time.Time]previous, len(points))
	for _, pt := range points {
		v, had := days[pt.Day]
		prev[pt.Day] = previous{v, had}
		days[pt.Day] = pt.Value
	}
	s.mu.Unlock()

	s.undo(tx, func() {
		days := s.points[key]
		if days == nil {
			return
		}
		for day, p := range prev {
			if p.ok {
				days[day] = p.value
			} else {
				delete(days, day)
			}
		}
	})
	return nil
}

func (s *MemoryStore) SetReadyThrough(ctx context.Context, tx broker.Tx, projectID int64, chart string, day time.Time) error {
	key := chartKey{projectID, chart}

	s.mu.Lock()
	p, ok := s.progress[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	prev := p.ReadyThrough
	d := day
	p.ReadyThrough = &d
	s.progress[key] = p
	s.mu.Unlock()

	s.undo(tx, func() {
		if p, ok := s.progress[key]; ok {
			p.ReadyThrough = prev
			s.progress[key] = p
		}
	})
	return nil
}

func (s *MemoryStore) Points(ctx context.Context, projectID int64, chart string, from, to time.Time) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var points []Point
	for day, v := range s.points[chartKey{projectID, chart}] {
		if !day.Before(from) && !day.After(to) {
			points = append(points, Point{Day: day, Value: v})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Day.Before(points[j].Day) })
	return points, nil
}

func (s *MemoryStore) undo(tx broker.Tx, fn func()) {
	if tx == nil {
		return
	}
	tx.OnRollback(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	})
}
