package repository

import (
	"context"
	"errors"

	"github.com/arbiterops/arbiter/internal/models"
)

// ErrNotFound is returned when a row does not exist or is not visible to the
// caller (ownership checks collapse into not-found, never forbidden).
var ErrNotFound = errors.New("not found")

// Store is the persistence surface of the control plane.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*models.Organization, error)

	// Clusters
	CreateCluster(ctx context.Context, cluster *models.Cluster) error
	GetCluster(ctx context.Context, id string) (*models.Cluster, error)
	GetClusterByToken(ctx context.Context, token string) (*models.Cluster, error)
	ListClusters(ctx context.Context, orgID string) ([]*models.Cluster, error)
	DeleteCluster(ctx context.Context, id, orgID string) error
	TouchHeartbeat(ctx context.Context, clusterID string) error
	MarkOffline(ctx context.Context, clusterID string) error

	// Jobs
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, clusterID string) ([]*models.Job, error)
	ClaimPendingJob(ctx context.Context, clusterID string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, upd models.JobStatusUpdate) (*models.Job, error)
	AppendJobLogs(ctx context.Context, id string, logs string) error

	// Incidents
	CreateIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, clusterID string) ([]*models.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, summary string) error

	// Audit
	CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, clusterID string, limit int) ([]*models.AuditEvent, error)

	// Tool call audit (written by the tool wrapper)
	CreateToolCall(ctx context.Context, rec *models.ToolCallRecord) error
	FinishToolCall(ctx context.Context, id, status string, result, errMsg *string) error
	ListToolCalls(ctx context.Context, incidentID string) ([]*models.ToolCallRecord, error)

	Close() error
}
