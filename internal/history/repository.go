package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"mingle/internal/broker"
	apperrors "mingle/pkg/errors"
)

// Repository persists snapshots, events and changes. A nil tx runs against
// the shared pool; lookups return (nil, nil) for missing rows.
type Repository interface {
	SaveSnapshot(ctx context.Context, tx broker.Tx, s Snapshot) error
	Snapshot(ctx context.Context, tx broker.Tx, entityType string, entityID int64, version int) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, tx broker.Tx, entityType string, entityID int64) (*Snapshot, error)
	// LatestSnapshots returns the newest snapshot of every entity of a type in a project.
	LatestSnapshots(ctx context.Context, tx broker.Tx, projectID int64, entityType string) ([]Snapshot, error)

	InsertEvent(ctx context.Context, tx broker.Tx, e *Event) error
	GetEvent(ctx context.Context, tx broker.Tx, id int64) (*Event, error)
	// LockEvent reads the event and holds its row until tx ends.
	LockEvent(ctx context.Context, tx broker.Tx, id int64) (*Event, error)
	ProjectEvents(ctx context.Context, tx broker.Tx, projectID int64) ([]Event, error)

	// SaveChanges stores changes and sets changes_generated on the event.
	SaveChanges(ctx context.Context, tx broker.Tx, eventID int64, changes []Change) error
	Changes(ctx context.Context, tx broker.Tx, eventID int64) ([]Change, error)
	// ResetProject deletes the project's changes and clears changes_generated.
	ResetProject(ctx context.Context, tx broker.Tx, projectID int64) error

	DeleteEntity(ctx context.Context, tx broker.Tx, entityType string, entityID int64) error
	DeleteProject(ctx context.Context, tx broker.Tx, projectID int64) error
}

// NewRepository picks the Postgres repository when gw is backed by a
// database, the in-memory one otherwise.
func NewRepository(gw broker.Gateway) Repository {
	if src, ok := broker.AsSQLSource(gw); ok {
		return NewPostgresRepository(src)
	}
	return NewMemoryRepository()
}

type PostgresRepository struct {
	src broker.SQLSource
}

func NewPostgresRepository(src broker.SQLSource) *PostgresRepository {
	return &PostgresRepository{src: src}
}

func (r *PostgresRepository) SaveSnapshot(ctx context.Context, tx broker.Tx, s Snapshot) error {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot fields: %w", err)
	}

	query := `
		INSERT INTO history_snapshots (project_id, entity_type, entity_id, version, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, entity_id, version)
		DO UPDATE SET fields = EXCLUDED.fields, project_id = EXCLUDED.project_id
	`

	if _, err := broker.Conn(r.src, tx).ExecContext(ctx, query,
		s.ProjectID, s.EntityType, s.EntityID, s.Version, fields,
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Snapshot(ctx context.Context, tx broker.Tx, entityType string, entityID int64, version int) (*Snapshot, error) {
	rows, err := broker.Conn(r.src, tx).QueryContext(ctx, `
		SELECT project_id, entity_type, entity_id, version, fields
		FROM history_snapshots
		WHERE entity_type = $1 AND entity_id = $2 AND version = $3
	`, entityType, entityID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return firstSnapshot(rows)
}

func (r *PostgresRepository) LatestSnapshot(ctx context.Context, tx broker.Tx, entityType string, entityID int64) (*Snapshot, error) {
	rows, err := broker.Conn(r.src, tx).QueryContext(ctx, `
		SELECT project_id, entity_type, entity_id, version, fields
		FROM history_snapshots
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return firstSnapshot(rows)
}

func (r *PostgresRepository) LatestSnapshots(ctx context.Context, tx broker.Tx, projectID int64, entityType string) ([]Snapshot, error) {
	rows, err := broker.Conn(r.src, tx).QueryContext(ctx, `
		SELECT DISTINCT ON (entity_id) project_id, entity_type, entity_id, version, fields
		FROM history_snapshots
		WHERE project_id = $1 AND entity_type = $2
		ORDER BY entity_id, version DESC
	`, projectID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	return scanSnapshots(rows)
}

func (r *PostgresRepository) InsertEvent(ctx context.Context, tx broker.Tx, e *Event) error {
	query := `
		INSERT INTO history_events (project_id, entity_type, entity_id, version)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := broker.Conn(r.src, tx).QueryRowContext(ctx, query,
		e.ProjectID, e.EntityType, e.EntityID, e.Version,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.ErrConflict.WithCause(err).
				WithMessage(fmt.Sprintf("%s %d version %d is already recorded", e.EntityType, e.EntityID, e.Version))
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	e.ChangesGenerated = false
	return nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, tx broker.Tx, id int64) (*Event, error) {
	return r.scanEvent(ctx, tx, `
		SELECT id, project_id, entity_type, entity_id, version, changes_generated, created_at
		FROM history_events
		WHERE id = $1
	`, id)
}

func (r *PostgresRepository) LockEvent(ctx context.Context, tx broker.Tx, id int64) (*Event, error) {
	return r.scanEvent(ctx, tx, `
		SELECT id, project_id, entity_type, entity_id, version, changes_generated, created_at
		FROM history_events
		WHERE id = $1
		FOR UPDATE
	`, id)
}

func (r *PostgresRepository) ProjectEvents(ctx context.Context, tx broker.Tx, projectID int64) ([]Event, error) {
	rows, err := broker.Conn(r.src, tx).QueryContext(ctx, `
		SELECT id, project_id, entity_type, entity_id, version, changes_generated, created_at
		FROM history_events
		WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EntityType, &e.EntityID, &e.Version, &e.ChangesGenerated, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) SaveChanges(ctx context.Context, tx broker.Tx, eventID int64, changes []Change) error {
	conn := broker.Conn(r.src, tx)

	for i := range changes {
		c := &changes[i]
		c.EventID = eventID
		err := conn.QueryRowContext(ctx, `
			INSERT INTO history_changes (event_id, field, old_value, new_value)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, eventID, c.Field, c.OldValue, c.NewValue).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("failed to insert change %q: %w", c.Field, err)
		}
	}

	if _, err := conn.ExecContext(ctx,
		`UPDATE history_events SET changes_generated = TRUE WHERE id = $1`, eventID,
	); err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Changes(ctx context.Context, tx broker.Tx, eventID int64) ([]Change, error) {
	rows, err := broker.Conn(r.src, tx).QueryContext(ctx, `
		SELECT id, event_id, field, old_value, new_value
		FROM history_changes
		WHERE event_id = $1
		ORDER BY field
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c              Change
			oldVal, newVal sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.EventID, &c.Field, &oldVal, &newVal); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		if oldVal.Valid {
			c.OldValue = strPtr(oldVal.String)
		}
		if newVal.Valid {
			c.NewValue = strPtr(newVal.String)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (r *PostgresRepository) ResetProject(ctx context.Context, tx broker.Tx, projectID int64) error {
	conn := broker.Conn(r.src, tx)

	if _, err := conn.ExecContext(ctx, `
		DELETE FROM history_changes
		WHERE event_id IN (SELECT id FROM history_events WHERE project_id = $1)
	`, projectID); err != nil {
		return fmt.Errorf("failed to delete changes: %w", err)
	}

	if _, err := conn.ExecContext(ctx,
		`UPDATE history_events SET changes_generated = FALSE WHERE project_id = $1`, projectID,
	); err != nil {
		return fmt.Errorf("failed to reset events: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteEntity(ctx context.Context, tx broker.Tx, entityType string, entityID int64) error {
	conn := broker.Conn(r.src, tx)

	if _, err := conn.ExecContext(ctx,
		`DELETE FROM history_events WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID,
	); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := conn.ExecContext(ctx,
		`DELETE FROM history_snapshots WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID,
	); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteProject(ctx context.Context, tx broker.Tx, projectID int64) error {
	conn := broker.Conn(r.src, tx)

	if _, err := conn.ExecContext(ctx, `DELETE FROM history_events WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM history_snapshots WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}

func (r *PostgresRepository) scanEvent(ctx context.Context, tx broker.Tx, query string, args ...interface{}) (*Event, error) {
	var e Event
	err := broker.Conn(r.src, tx).QueryRowContext(ctx, query, args...).
		Scan(&e.ID, &e.ProjectID, &e.EntityType, &e.EntityID, &e.Version, &e.ChangesGenerated, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &e, nil
}

func firstSnapshot(rows *sql.Rows) (*Snapshot, error) {
	snapshots, err := scanSnapshots(rows)
	if err != nil || len(snapshots) == 0 {
		return nil, err
	}
	return &snapshots[0], nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var (
			s   Snapshot
			raw []byte
		)
		if err := rows.Scan(&s.ProjectID, &s.EntityType, &s.EntityID, &s.Version, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal(raw, &s.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot fields: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}
