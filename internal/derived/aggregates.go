package derived

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mingle/internal/broker"
	"mingle/internal/history"
)

// Aggregate is the number of cards in a project whose field has value.
type Aggregate struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Aggregator recomputes the card aggregates of a project from the latest
// card snapshots, replacing what was stored before.
type Aggregator interface {
	Recompute(ctx context.Context, tx broker.Tx, projectID int64) ([]Aggregate, error)
	Aggregates(ctx context.Context, projectID int64) ([]Aggregate, error)
}

func NewAggregator(gw broker.Gateway, snapshots history.Repository) Aggregator {
	if src, ok := broker.AsSQLSource(gw); ok {
		return NewPostgresAggregator(src, snapshots)
	}
	return NewMemoryAggregator(snapshots)
}

func computeAggregates(snapshots []history.Snapshot) []Aggregate {
	type key struct{ field, value string }
	counts := make(map[key]int)
	for _, s := range snapshots {
		for field, value := range s.Fields {
			counts[key{field, value}]++
		}
	}

	out := make([]Aggregate, 0, len(counts))
	for k, n := range counts {
		out = append(out, Aggregate{Field: k.field, Value: k.value, Count: n})
	}
	sortAggregates(out)
	return out
}

func sortAggregates(aggs []Aggregate) {
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Field != aggs[j].Field {
			return aggs[i].Field < aggs[j].Field
		}
		return aggs[i].Value < aggs[j].Value
	})
}

type PostgresAggregator struct {
	src       broker.SQLSource
	snapshots history.Repository
}

func NewPostgresAggregator(src broker.SQLSource, snapshots history.Repository) *PostgresAggregator {
	return &PostgresAggregator{src: src, snapshots: snapshots}
}

func (a *PostgresAggregator) Recompute(ctx context.Context, tx broker.Tx, projectID int64) ([]Aggregate, error) {
	conn := broker.Conn(a.src, tx)

	// Serializes recomputes of one project so their delete-and-insert do not interleave.
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, projectID); err != nil {
		return nil, fmt.Errorf("failed to lock project aggregates: %w", err)
	}

	snapshots, err := a.snapshots.LatestSnapshots(ctx, tx, projectID, history.EntityCard)
	if err != nil {
		return nil, err
	}
	aggs := computeAggregates(snapshots)

	if _, err := conn.ExecContext(ctx, `DELETE FROM card_aggregates WHERE project_id = $1`, projectID); err != nil {
		return nil, fmt.Errorf("failed to clear aggregates: %w", err)
	}
	for _, agg := range aggs {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO card_aggregates (project_id, field, value, card_count, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, projectID, agg.Field, agg.Value, agg.Count); err != nil {
			return nil, fmt.Errorf("failed to insert aggregate: %w", err)
		}
	}
	return aggs, nil
}

func (a *PostgresAggregator) Aggregates(ctx context.Context, projectID int64) ([]Aggregate, error) {
	rows, err := a.src.DB().QueryContext(ctx, `
		SELECT field, value, card_count
		FROM card_aggregates
		WHERE project_id = $1
		ORDER BY field, value
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []Aggregate
	for rows.Next() {
		var agg Aggregate
		if err := rows.Scan(&agg.Field, &agg.Value, &agg.Count); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

type MemoryAggregator struct {
	mu        sync.Mutex
	snapshots history.Repository
	projects  map[int64][]Aggregate
}

func NewMemoryAggregator(snapshots history.Repository) *MemoryAggregator {
	return &MemoryAggregator{snapshots: snapshots, projects: make(map[int64][]Aggregate)}
}

func (a *MemoryAggregator) Recompute(ctx context.Context, tx broker.Tx, projectID int64) ([]Aggregate, error) {
	snapshots, err := a.snapshots.LatestSnapshots(ctx, tx, projectID, history.EntityCard)
	if err != nil {
		return nil, err
	}
	aggs := computeAggregates(snapshots)

	a.mu.Lock()
	prev, existed := a.projects[projectID]
	a.projects[projectID] = aggs
	a.mu.Unlock()

	if tx != nil {
		tx.OnRollback(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if existed {
				a.projects[projectID] = prev
			} else {
				delete(a.projects, projectID)
			}
		})
	}
	return aggs, nil
}

func (a *MemoryAggregator) Aggregates(ctx context.Context, projectID int64) ([]Aggregate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Aggregate(nil), a.projects[projectID]...), nil
}
