package history

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"mingle/internal/broker"
	apperrors "mingle/pkg/errors"
)

type snapshotKey struct {
	entityType string
	entityID   int64
	version    int
}

// MemoryRepository keeps history in process. Writes apply immediately and
// are undone when the transaction rolls back.
type MemoryRepository struct {
	mu        sync.Mutex
	snapshots map[snapshotKey]Snapshot
	events    map[int64]Event
	changes   map[int64][]Change
	nextEvent int64
	nextChg   int64
	locks     *broker.RowLocks
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		snapshots: make(map[snapshotKey]Snapshot),
		events:    make(map[int64]Event),
		changes:   make(map[int64][]Change),
		locks:     broker.NewRowLocks(),
		now:       time.Now,
	}
}

func (r *MemoryRepository) SaveSnapshot(ctx context.Context, tx broker.Tx, s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := snapshotKey{s.EntityType, s.EntityID, s.Version}
	prev, existed := r.snapshots[key]
	r.snapshots[key] = cloneSnapshot(s)
	r.undo(tx, func() {
		if existed {
			r.snapshots[key] = prev
		} else {
			delete(r.snapshots, key)
		}
	})
	return nil
}

func (r *MemoryRepository) Snapshot(ctx context.Context, tx broker.Tx, entityType string, entityID int64, version int) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.snapshots[snapshotKey{entityType, entityID, version}]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(s)
	return &out, nil
}

func (r *MemoryRepository) LatestSnapshot(ctx context.Context, tx broker.Tx, entityType string, entityID int64) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Snapshot
	for key, s := range r.snapshots {
		if key.entityType != entityType || key.entityID != entityID {
			continue
		}
		if latest == nil || s.Version > latest.Version {
			c := cloneSnapshot(s)
			latest = &c
		}
	}
	return latest, nil
}

func (r *MemoryRepository) LatestSnapshots(ctx context.Context, tx broker.Tx, projectID int64, entityType string) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := make(map[int64]Snapshot)
	for key, s := range r.snapshots {
		if key.entityType != entityType || s.ProjectID != projectID {
			continue
		}
		if cur, ok := latest[key.entityID]; !ok || s.Version > cur.Version {
			latest[key.entityID] = s
		}
	}

	out := make([]Snapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, cloneSnapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, tx broker.Tx, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.events {
		if existing.EntityType == e.EntityType && existing.EntityID == e.EntityID && existing.Version == e.Version {
			return apperrors.ErrConflict.
				WithMessage(fmt.Sprintf("%s %d version %d is already recorded", e.EntityType, e.EntityID, e.Version))
		}
	}

	r.nextEvent++
	e.ID = r.nextEvent
	e.CreatedAt = r.now()
	e.ChangesGenerated = false
	r.events[e.ID] = *e

	id := e.ID
	r.undo(tx, func() {
		delete(r.events, id)
	})
	return nil
}

func (r *MemoryRepository) GetEvent(ctx context.Context, tx broker.Tx, id int64) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *MemoryRepository) LockEvent(ctx context.Context, tx broker.Tx, id int64) (*Event, error) {
	r.locks.Lock(tx, "event:"+strconv.FormatInt(id, 10))
	return r.GetEvent(ctx, tx, id)
}

func (r *MemoryRepository) ProjectEvents(ctx context.Context, tx broker.Tx, projectID int64) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, e := range r.events {
		if e.ProjectID == projectID {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (r *MemoryRepository) SaveChanges(ctx context.Context, tx broker.Tx, eventID int64, changes []Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok {
		return fmt.Errorf("event %d does not exist", eventID)
	}

	seen := make(map[string]bool, len(r.changes[eventID])+len(changes))
	for _, c := range r.changes[eventID] {
		seen[c.Field] = true
	}
	for i := range changes {
		if seen[changes[i].Field] {
			return apperrors.ErrConflict.
				WithMessage(fmt.Sprintf("change for field %q of event %d already exists", changes[i].Field, eventID))
		}
		seen[changes[i].Field] = true
	}

	prevChanges := r.changes[eventID]
	prevEvent := e

	stored := append([]Change(nil), prevChanges...)
	for i := range changes {
		r.nextChg++
		changes[i].ID = r.nextChg
		changes[i].EventID = eventID
		stored = append(stored, changes[i])
	}
	r.changes[eventID] = stored
	e.ChangesGenerated = true
	r.events[eventID] = e

	r.undo(tx, func() {
		r.changes[eventID] = prevChanges
		if _, ok := r.events[eventID]; ok {
			r.events[eventID] = prevEvent
		}
	})
	return nil
}

func (r *MemoryRepository) Changes(ctx context.Context, tx broker.Tx, eventID int64) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]Change(nil), r.changes[eventID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

func (r *MemoryRepository) ResetProject(ctx context.Context, tx broker.Tx, projectID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prevEvents := make(map[int64]Event)
	prevChanges := make(map[int64][]Change)
	for id, e := range r.events {
		if e.ProjectID != projectID {
			continue
		}
		prevEvents[id] = e
		prevChanges[id] = r.changes[id]
		delete(r.changes, id)
		e.ChangesGenerated = false
		r.events[id] = e
	}

	r.undo(tx, func() {
		for id, e := range prevEvents {
			r.events[id] = e
			r.changes[id] = prevChanges[id]
		}
	})
	return nil
}

func (r *MemoryRepository) DeleteEntity(ctx context.Context, tx broker.Tx, entityType string, entityID int64) error {
	r.deleteWhere(tx,
		func(e Event) bool { return e.EntityType == entityType && e.EntityID == entityID },
		func(k snapshotKey, s Snapshot) bool { return k.entityType == entityType && k.entityID == entityID },
	)
	return nil
}

func (r *MemoryRepository) DeleteProject(ctx context.Context, tx broker.Tx, projectID int64) error {
	r.deleteWhere(tx,
		func(e Event) bool { return e.ProjectID == projectID },
		func(k snapshotKey, s Snapshot) bool { return s.ProjectID == projectID },
	)
	return nil
}

func (r *MemoryRepository) deleteWhere(tx broker.Tx, event func(Event) bool, snapshot func(snapshotKey, Snapshot) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make(map[int64]Event)
	changes := make(map[int64][]Change)
	snapshots := make(map[snapshotKey]Snapshot)

	for id, e := range r.events {
		if event(e) {
			events[id] = e
			changes[id] = r.changes[id]
			delete(r.events, id)
			delete(r.changes, id)
		}
	}
	for k, s := range r.snapshots {
		if snapshot(k, s) {
			snapshots[k] = s
			delete(r.snapshots, k)
		}
	}

	r.undo(tx, func() {
		for id, e := range events {
			r.events[id] = e
			if changes[id] != nil {
				r.changes[id] = changes[id]
			}
		}
		for k, s := range snapshots {
			r.snapshots[k] = s
		}
	})
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

func cloneSnapshot(s Snapshot) Snapshot {
	fields := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	s.Fields = fields
	return s
}
