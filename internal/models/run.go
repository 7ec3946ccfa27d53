package models

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// IngestRun summarizes one batch pushed through the funnel.
type IngestRun struct {
	RunID       string     `json:"run_id"`
	Label       string     `json:"label"`
	Status      RunStatus  `json:"status"`
	Found       int        `json:"items_found"`
	Accepted    int        `json:"items_accepted"`
	Duplicates  int        `json:"duplicates"`
	Rejected    int        `json:"rejected"`
	Invalid     int        `json:"invalid"`
	Errors      int        `json:"errors"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}
