package models

import "time"

type IncidentSeverity string

const (
	SeverityCritical IncidentSeverity = "critical"
	SeverityHigh     IncidentSeverity = "high"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityLow      IncidentSeverity = "low"
)

type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
)

// Incident is one investigated alert. Summary is written by the engine's
// aggregate phase when the run completes.
type Incident struct {
	ID          string           `json:"id" db:"id"`
	ClusterID   string           `json:"cluster_id" db:"cluster_id"`
	Title       string           `json:"title" db:"title"`
	Description *string          `json:"description,omitempty" db:"description"`
	Severity    IncidentSeverity `json:"severity" db:"severity"`
	Status      IncidentStatus   `json:"status" db:"status"`
	Summary     *string          `json:"summary,omitempty" db:"summary"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}
