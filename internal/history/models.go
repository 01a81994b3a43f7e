// Package history records entity versions as Events and turns each Event
// into field-level Changes asynchronously.
package history

import (
	"fmt"
	"time"

	"mingle/internal/constants"
	"mingle/pkg/models"
)

const (
	EntityCard = "card"
	EntityPage = "page"
)

// Event marks that an entity reached a new version. Changes for it are
// generated once, after which ChangesGenerated is set.
type Event struct {
	ID               int64     `json:"id"`
	ProjectID        int64     `json:"project_id"`
	EntityType       string    `json:"entity_type"`
	EntityID         int64     `json:"entity_id"`
	Version          int       `json:"version"`
	ChangesGenerated bool      `json:"changes_generated"`
	CreatedAt        time.Time `json:"created_at"`
}

// Change is one field's transition within an Event. A nil value means the
// field was absent on that side.
type Change struct {
	ID       int64   `json:"id"`
	EventID  int64   `json:"event_id"`
	Field    string  `json:"field"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

// Snapshot holds the field values of one entity version as handed over by
// the domain layer.
type Snapshot struct {
	ProjectID  int64             `json:"project_id"`
	EntityType string            `json:"entity_type"`
	EntityID   int64             `json:"entity_id"`
	Version    int               `json:"version"`
	Fields     map[string]string `json:"fields"`
}

func (s Snapshot) Validate() error {
	if err := ValidateEntityType(s.EntityType); err != nil {
		return err
	}
	if s.ProjectID <= 0 {
		return &models.ValidationError{Field: "project_id", Message: "must be positive"}
	}
	if s.EntityID <= 0 {
		return &models.ValidationError{Field: "entity_id", Message: "must be positive"}
	}
	if s.Version <= 0 {
		return &models.ValidationError{Field: "version", Message: "must be positive"}
	}
	return nil
}

func ValidateEntityType(entityType string) error {
	switch entityType {
	case EntityCard, EntityPage:
		return nil
	}
	return &models.ValidationError{
		Field:   "type",
		Message: fmt.Sprintf("unknown entity type %q", entityType),
	}
}

// ChangesQueue is the change-generation queue for an entity type.
func ChangesQueue(entityType string) string {
	if entityType == EntityPage {
		return constants.QueueHistoryChangesPages
	}
	return constants.QueueHistoryChangesCards
}

// ChangesMessage is the body enqueued for every recorded Event.
func ChangesMessage(e Event) models.Message {
	return models.NewMessageBuilder().
		WithField("id", e.ID).
		WithField("project_id", e.ProjectID).
		WithType(e.EntityType).
		Build()
}

func strPtr(s string) *string {
	return &s
}
