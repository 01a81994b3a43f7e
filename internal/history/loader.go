package history

import (
	"context"
	"fmt"

	"mingle/internal/broker"
	apperrors "mingle/pkg/errors"
)

// VersionLoader returns the field values of the event's version and of the
// version before it. previous is nil for version 1.
type VersionLoader interface {
	Load(ctx context.Context, tx broker.Tx, e Event) (current, previous map[string]string, err error)
}

// SnapshotLoader reads versions from the snapshots stored by the Recorder.
type SnapshotLoader struct {
	repo Repository
}

func NewSnapshotLoader(repo Repository) *SnapshotLoader {
	return &SnapshotLoader{repo: repo}
}

func (l *SnapshotLoader) Load(ctx context.Context, tx broker.Tx, e Event) (map[string]string, map[string]string, error) {
	current, err := l.repo.Snapshot(ctx, tx, e.EntityType, e.EntityID, e.Version)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, missingVersion(e, e.Version)
	}
	if e.Version == 1 {
		return current.Fields, nil, nil
	}

	previous, err := l.repo.Snapshot(ctx, tx, e.EntityType, e.EntityID, e.Version-1)
	if err != nil {
		return nil, nil, err
	}
	if previous == nil {
		return nil, nil, missingVersion(e, e.Version-1)
	}
	return current.Fields, previous.Fields, nil
}

func missingVersion(e Event, version int) error {
	return apperrors.ErrReferentMissing.
		WithMessage(fmt.Sprintf("%s %d version %d no longer exists", e.EntityType, e.EntityID, version)).
		WithDetail("event_id", e.ID)
}
