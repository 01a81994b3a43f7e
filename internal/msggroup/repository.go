package msggroup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"mingle/internal/broker"
)

// Group is an open job. The row exists while messages tagged with its id
// are still pending.
type Group struct {
	ID        string    `json:"group_id"`
	Action    string    `json:"action"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores group rows. A nil tx runs against the shared pool.
// Lookups return (nil, nil) when the group does not exist.
type Repository interface {
	// Insert returns false when a group for (action, owner) already exists.
	Insert(ctx context.Context, tx broker.Tx, g *Group) (bool, error)
	// Lock reads the group and holds it until tx ends.
	Lock(ctx context.Context, tx broker.Tx, id string) (*Group, error)
	Get(ctx context.Context, tx broker.Tx, id string) (*Group, error)
	FindByOwner(ctx context.Context, action, ownerID string) (*Group, error)
	Delete(ctx context.Context, tx broker.Tx, id string) error
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

func (r *PostgresRepository) Insert(ctx context.Context, tx broker.Tx, g *Group) (bool, error) {
	query := `
		INSERT INTO message_groups (group_id, action, owner_id, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (action, owner_id) DO NOTHING
		RETURNING created_at
	`

	err := broker.Conn(r.src, tx).QueryRowContext(ctx, query, g.ID, g.Action, g.OwnerID).Scan(&g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert message group: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) Lock(ctx context.Context, tx broker.Tx, id string) (*Group, error) {
	return r.scanOne(ctx, tx, `
		SELECT group_id, action, owner_id, created_at
		FROM message_groups
		WHERE group_id = $1
		FOR UPDATE
	`, id)
}

func (r *PostgresRepository) Get(ctx context.Context, tx broker.Tx, id string) (*Group, error) {
	return r.scanOne(ctx, tx, `
		SELECT group_id, action, owner_id, created_at
		FROM message_groups
		WHERE group_id = $1
	`, id)
}

func (r *PostgresRepository) FindByOwner(ctx context.Context, action, ownerID string) (*Group, error) {
	return r.scanOne(ctx, nil, `
		SELECT group_id, action, owner_id, created_at
		FROM message_groups
		WHERE action = $1 AND owner_id = $2
	`, action, ownerID)
}

func (r *PostgresRepository) Delete(ctx context.Context, tx broker.Tx, id string) error {
	if _, err := broker.Conn(r.src, tx).ExecContext(ctx, `DELETE FROM message_groups WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete message group: %w", err)
	}
	return nil
}

func (r *PostgresRepository) scanOne(ctx context.Context, tx broker.Tx, query string, args ...interface{}) (*Group, error) {
	var g Group
	err := broker.Conn(r.src, tx).QueryRowContext(ctx, query, args...).
		Scan(&g.ID, &g.Action, &g.OwnerID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message group: %w", err)
	}
	return &g, nil
}

// MemoryRepository keeps groups in process. Writes apply immediately and
// are undone if the transaction rolls back; Lock holds a per-group mutex
// until the transaction ends.
type MemoryRepository struct {
	mu     sync.Mutex
	groups map[string]Group
	locks  *broker.RowLocks
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		groups: make(map[string]Group),
		locks:  broker.NewRowLocks(),
		now:    time.Now,
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, tx broker.Tx, g *Group) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.groups {
		if existing.Action == g.Action && existing.OwnerID == g.OwnerID {
			return false, nil
		}
	}
	g.CreatedAt = r.now()
	r.groups[g.ID] = *g

	id := g.ID
	r.undo(tx, func() {
		delete(r.groups, id)
	})
	return true, nil
}

func (r *MemoryRepository) Lock(ctx context.Context, tx broker.Tx, id string) (*Group, error) {
	r.locks.Lock(tx, id)
	return r.Get(ctx, tx, id)
}

func (r *MemoryRepository) Get(ctx context.Context, tx broker.Tx, id string) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (r *MemoryRepository) FindByOwner(ctx context.Context, action, ownerID string) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.groups {
		if g.Action == action && g.OwnerID == ownerID {
			found := g
			return &found, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, tx broker.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[id]
	if !ok {
		return nil
	}
	delete(r.groups, id)
	r.undo(tx, func() {
		r.groups[id] = g
	})
	return nil
}

func (r *MemoryRepository) undo(tx broker.Tx, fn func()) {
	if tx == nil {
		return
	}
	tx.OnRollback(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		fn()
	})
}
