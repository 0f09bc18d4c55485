// Package dispatcher owns the durable per-cluster job queue: org-facing
// triggering, agent-facing claim/report/logs, and the alert ingestion path
// that turns an Alertmanager notification into an incident plus an
// investigation job.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/pkg/metrics"
	"github.com/arbiterops/arbiter/internal/repository"
)

// Service mediates every queue operation. Ownership checks collapse into
// ErrNotFound so callers cannot probe for other tenants' resources.
type Service struct {
	store repository.Store
	log   *zap.Logger
}

func New(store repository.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

var validJobTypes = map[models.JobType]bool{
	models.JobInvestigation:    true,
	models.JobRemediation:      true,
	models.JobConfigureCluster: true,
}

// Trigger enqueues a job for one of the org's clusters.
func (s *Service) Trigger(ctx context.Context, orgID, clusterID string, jobType models.JobType, payload *string) (*models.Job, error) {
	if !validJobTypes[jobType] {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	if _, err := s.ownedCluster(ctx, orgID, clusterID); err != nil {
		return nil, err
	}

	job := &models.Job{
		ClusterID: clusterID,
		JobType:   jobType,
		Payload:   payload,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(jobType)).Inc()
	s.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("cluster_id", clusterID),
		zap.String("job_type", string(jobType)))
	return job, nil
}

// Claim hands the oldest pending job to the agent, FIFO per cluster.
// Returns (nil, nil) when the queue is empty; a claim also counts as a
// heartbeat.
func (s *Service) Claim(ctx context.Context, clusterID string) (*models.Job, error) {
	if err := s.store.TouchHeartbeat(ctx, clusterID); err != nil {
		s.log.Warn("heartbeat on claim failed", zap.String("cluster_id", clusterID), zap.Error(err))
	}

	job, err := s.store.ClaimPendingJob(ctx, clusterID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	metrics.JobsClaimedTotal.Inc()
	return job, nil
}

// Report applies an agent status update to a job the cluster owns.
func (s *Service) Report(ctx context.Context, clusterID, jobID string, upd models.JobStatusUpdate) (*models.Job, error) {
	if err := s.ownedJob(ctx, clusterID, jobID); err != nil {
		return nil, err
	}

	job, err := s.store.UpdateJobStatus(ctx, jobID, upd)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		metrics.JobsCompletedTotal.WithLabelValues(string(job.Status)).Inc()
		s.log.Info("job finished",
			zap.String("job_id", job.ID),
			zap.String("cluster_id", clusterID),
			zap.String("status", string(job.Status)))
	}
	return job, nil
}

// AppendLogs streams agent progress onto the job's log column.
func (s *Service) AppendLogs(ctx context.Context, clusterID, jobID, logs string) error {
	if logs == "" {
		return nil
	}
	if err := s.ownedJob(ctx, clusterID, jobID); err != nil {
		return err
	}
	return s.store.AppendJobLogs(ctx, jobID, logs)
}

// Heartbeat marks the cluster online.
func (s *Service) Heartbeat(ctx context.Context, clusterID string) error {
	return s.store.TouchHeartbeat(ctx, clusterID)
}

// JobForOrg fetches a job, enforcing org ownership of its cluster.
func (s *Service) JobForOrg(ctx context.Context, orgID, jobID string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedCluster(ctx, orgID, job.ClusterID); err != nil {
		return nil, err
	}
	return job, nil
}

// JobsForCluster lists a cluster's jobs, newest first, for the org.
func (s *Service) JobsForCluster(ctx context.Context, orgID, clusterID string) ([]*models.Job, error) {
	if _, err := s.ownedCluster(ctx, orgID, clusterID); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, clusterID)
}

// IngestAlert opens an incident for an Alertmanager notification and
// enqueues the investigation job that will work it.
func (s *Service) IngestAlert(ctx context.Context, clusterID string, alert models.AlertContext) (*models.Incident, *models.Job, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return nil, nil, err
	}

	desc := alert.Description
	inc := &models.Incident{
		ClusterID:   clusterID,
		Title:       alert.AlertName,
		Description: &desc,
		Severity:    severityFor(alert.Severity),
		Status:      models.IncidentOpen,
	}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, nil, fmt.Errorf("open incident: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"incident_id": inc.ID,
		"alert":       alert,
	})
	if err != nil {
		return nil, nil, err
	}
	payloadStr := string(payload)

	job := &models.Job{
		ClusterID: clusterID,
		JobType:   models.JobInvestigation,
		Payload:   &payloadStr,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("enqueue investigation: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(models.JobInvestigation)).Inc()

	s.log.Info("alert ingested",
		zap.String("incident_id", inc.ID),
		zap.String("job_id", job.ID),
		zap.String("alert", alert.AlertName),
		zap.String("cluster_id", clusterID))
	return inc, job, nil
}

func severityFor(alertSeverity string) models.IncidentSeverity {
	switch alertSeverity {
	case "critical":
		return models.SeverityCritical
	case "high", "error":
		return models.SeverityHigh
	case "warning":
		return models.SeverityMedium
	case "low":
		return models.SeverityLow
	default:
		// Unknown and absent severities triage as medium.
		return models.SeverityMedium
	}
}

func (s *Service) ownedCluster(ctx context.Context, orgID, clusterID string) (*models.Cluster, error) {
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if cluster.OrgID != orgID {
		return nil, repository.ErrNotFound
	}
	return cluster, nil
}

func (s *Service) ownedJob(ctx context.Context, clusterID, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ClusterID != clusterID {
		return repository.ErrNotFound
	}
	return nil
}
