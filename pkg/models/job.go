package models

// Job actions tracked by message groups. A group is keyed by (action, owner).
const (
	ActionRegenerateChanges = "regenerate_changes"
	ActionRebuildChartCache = "rebuild_chart_cache"
	ActionReindexProject    = "reindex_project"
)

// JobStatus is the externally visible state of a long-running job.
type JobStatus struct {
	Action  string `json:"action"`
	OwnerID string `json:"owner_id"`
	GroupID string `json:"group_id,omitempty"`
	Active  bool   `json:"active"`
	Pending int    `json:"pending"`
}
