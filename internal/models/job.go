package models

import "time"

// JobStatus transitions pending -> running -> completed|failed. Transitions
// are monotonic; the repository refuses to move a terminal job backwards.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobType selects what the edge agent does with the job payload.
type JobType string

const (
	JobInvestigation    JobType = "investigation"
	JobRemediation      JobType = "remediation"
	JobConfigureCluster JobType = "configure_cluster"
)

// Job is a unit of work queued for a single cluster's edge agent.
// Payload and Result are opaque JSON; Logs is an append-only text stream.
type Job struct {
	ID          string     `json:"id" db:"id"`
	ClusterID   string     `json:"cluster_id" db:"cluster_id"`
	JobType     JobType    `json:"job_type" db:"job_type"`
	Status      JobStatus  `json:"status" db:"status"`
	Payload     *string    `json:"payload,omitempty" db:"payload"`
	Result      *string    `json:"result,omitempty" db:"result"`
	Logs        *string    `json:"logs,omitempty" db:"logs"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatusUpdate is the agent-facing status report body.
type JobStatusUpdate struct {
	Status JobStatus `json:"status"`
	Result string    `json:"result,omitempty"`
	Logs   string    `json:"logs,omitempty"`
}
