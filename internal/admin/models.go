package admin

import (
	"time"

	"mingle/internal/msggroup"
	"mingle/pkg/models"
)

// JobAccepted is returned when a job was started.
type JobAccepted struct {
	GroupID  string `json:"group_id"`
	Action   string `json:"action"`
	OwnerID  string `json:"owner_id"`
	Messages int    `json:"messages"`
}

func accepted(g *msggroup.Group, messages int) *JobAccepted {
	return &JobAccepted{GroupID: g.ID, Action: g.Action, OwnerID: g.OwnerID, Messages: messages}
}

// RecordSnapshotRequest carries the full field set of a new entity version.
type RecordSnapshotRequest struct {
	EntityType string            `json:"entity_type" binding:"required"`
	EntityID   int64             `json:"entity_id" binding:"required"`
	Version    int               `json:"version" binding:"required"`
	Fields     map[string]string `json:"fields"`
}

// RebuildChartRequest selects the day range to repopulate. Days use the
// YYYY-MM-DD layout.
type RebuildChartRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

type GroupStatus struct {
	msggroup.Group
	Pending int `json:"pending"`
}

type QueueSize struct {
	Queue string `json:"queue"`
	Size  int    `json:"size"`
}

type QueueMessages struct {
	Queue    string           `json:"queue"`
	Selector string           `json:"selector,omitempty"`
	Count    int              `json:"count"`
	Messages []models.Message `json:"messages"`
}

type dayRange struct {
	from time.Time
	to   time.Time
}
