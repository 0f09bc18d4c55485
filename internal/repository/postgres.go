package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/arbiterops/arbiter/internal/models"
)

// SQLStore implements Store on top of sqlx. Queries are written with $N
// placeholders and rebound per driver, so the same implementation backs
// Postgres in production and sqlite in dev/tests.
type SQLStore struct {
	db *sqlx.DB
}

// NewPostgres connects to PostgreSQL and configures the pool.
func NewPostgres(connectionString string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// RunMigrations applies schema SQL.
func (s *SQLStore) RunMigrations(migrationSQL string) error {
	_, err := s.db.Exec(migrationSQL)
	return err
}

func (s *SQLStore) rebind(q string) string { return s.db.Rebind(q) }

// Organizations

func (s *SQLStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	if org.APIKey == "" {
		org.APIKey = "org_" + hexID()
	}
	org.CreatedAt = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO organizations (id, name, api_key, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	_, err := s.db.ExecContext(ctx, query, org.ID, org.Name, org.APIKey, org.CreatedAt)
	return err
}

func (s *SQLStore) GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*models.Organization, error) {
	var org models.Organization
	query := s.rebind(`SELECT * FROM organizations WHERE api_key = $1`)
	err := s.db.GetContext(ctx, &org, query, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &org, err
}

// Clusters

func (s *SQLStore) CreateCluster(ctx context.Context, cluster *models.Cluster) error {
	if cluster.ID == "" {
		cluster.ID = uuid.New().String()
	}
	if cluster.Token == "" {
		cluster.Token = "cl_" + hexID()
	}
	if cluster.Status == "" {
		cluster.Status = models.ClusterOffline
	}
	cluster.CreatedAt = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO clusters (id, org_id, name, token, status, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := s.db.ExecContext(ctx, query,
		cluster.ID, cluster.OrgID, cluster.Name, cluster.Token,
		cluster.Status, cluster.LastHeartbeat, cluster.CreatedAt,
	)
	return err
}

func (s *SQLStore) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	var cluster models.Cluster
	query := s.rebind(`SELECT * FROM clusters WHERE id = $1`)
	err := s.db.GetContext(ctx, &cluster, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cluster, err
}

func (s *SQLStore) GetClusterByToken(ctx context.Context, token string) (*models.Cluster, error) {
	var cluster models.Cluster
	query := s.rebind(`SELECT * FROM clusters WHERE token = $1`)
	err := s.db.GetContext(ctx, &cluster, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cluster, err
}

func (s *SQLStore) ListClusters(ctx context.Context, orgID string) ([]*models.Cluster, error) {
	clusters := []*models.Cluster{}
	query := s.rebind(`SELECT * FROM clusters WHERE org_id = $1 ORDER BY created_at DESC`)
	err := s.db.SelectContext(ctx, &clusters, query, orgID)
	return clusters, err
}

func (s *SQLStore) DeleteCluster(ctx context.Context, id, orgID string) error {
	query := s.rebind(`DELETE FROM clusters WHERE id = $1 AND org_id = $2`)
	res, err := s.db.ExecContext(ctx, query, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TouchHeartbeat(ctx context.Context, clusterID string) error {
	query := s.rebind(`UPDATE clusters SET status = $1, last_heartbeat = $2 WHERE id = $3`)
	_, err := s.db.ExecContext(ctx, query, models.ClusterOnline, time.Now().UTC(), clusterID)
	return err
}

func (s *SQLStore) MarkOffline(ctx context.Context, clusterID string) error {
	query := s.rebind(`UPDATE clusters SET status = $1 WHERE id = $2`)
	_, err := s.db.ExecContext(ctx, query, models.ClusterOffline, clusterID)
	return err
}

// Jobs

func (s *SQLStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.JobType == "" {
		job.JobType = models.JobInvestigation
	}
	job.CreatedAt = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO jobs (id, cluster_id, job_type, status, payload, result, logs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.ClusterID, job.JobType, job.Status,
		job.Payload, job.Result, job.Logs, job.CreatedAt,
	)
	return err
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	query := s.rebind(`SELECT * FROM jobs WHERE id = $1`)
	err := s.db.GetContext(ctx, &job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &job, err
}

func (s *SQLStore) ListJobs(ctx context.Context, clusterID string) ([]*models.Job, error) {
	jobs := []*models.Job{}
	query := s.rebind(`SELECT * FROM jobs WHERE cluster_id = $1 ORDER BY created_at DESC`)
	err := s.db.SelectContext(ctx, &jobs, query, clusterID)
	return jobs, err
}

// ClaimPendingJob returns the oldest pending job for the cluster, or
// ErrNotFound when the queue is empty. FIFO by created_at.
func (s *SQLStore) ClaimPendingJob(ctx context.Context, clusterID string) (*models.Job, error) {
	var job models.Job
	query := s.rebind(`
		SELECT * FROM jobs
		WHERE cluster_id = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT 1
	`)
	err := s.db.GetContext(ctx, &job, query, clusterID, models.JobPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &job, err
}

// UpdateJobStatus applies a status report from the agent. Logs append rather
// than replace; started_at is set on the first running transition and
// completed_at on terminal ones. Terminal jobs are immutable.
func (s *SQLStore) UpdateJobStatus(ctx context.Context, id string, upd models.JobStatusUpdate) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("job %s already %s", id, job.Status)
	}

	now := time.Now().UTC()
	job.Status = upd.Status
	if upd.Result != "" {
		job.Result = &upd.Result
	}
	if upd.Logs != "" {
		merged := upd.Logs
		if job.Logs != nil {
			merged = *job.Logs + upd.Logs
		}
		job.Logs = &merged
	}
	if upd.Status == models.JobRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if upd.Status.Terminal() {
		job.CompletedAt = &now
	}

	query := s.rebind(`
		UPDATE jobs
		SET status = $1, result = $2, logs = $3, started_at = $4, completed_at = $5
		WHERE id = $6
	`)
	_, err = s.db.ExecContext(ctx, query,
		job.Status, job.Result, job.Logs, job.StartedAt, job.CompletedAt, job.ID,
	)
	return job, err
}

// AppendJobLogs appends in a single UPDATE so concurrent status reports
// cannot drop lines.
func (s *SQLStore) AppendJobLogs(ctx context.Context, id string, logs string) error {
	query := s.rebind(`UPDATE jobs SET logs = COALESCE(logs, '') || $1 WHERE id = $2`)
	res, err := s.db.ExecContext(ctx, query, logs, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Incidents

func (s *SQLStore) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if inc.Severity == "" {
		inc.Severity = models.SeverityMedium
	}
	if inc.Status == "" {
		inc.Status = models.IncidentOpen
	}
	inc.CreatedAt = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO incidents (id, cluster_id, title, description, severity, status, summary, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		inc.ID, inc.ClusterID, inc.Title, inc.Description,
		inc.Severity, inc.Status, inc.Summary, inc.CreatedAt, inc.ResolvedAt,
	)
	return err
}

func (s *SQLStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var inc models.Incident
	query := s.rebind(`SELECT * FROM incidents WHERE id = $1`)
	err := s.db.GetContext(ctx, &inc, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &inc, err
}

func (s *SQLStore) ListIncidents(ctx context.Context, clusterID string) ([]*models.Incident, error) {
	incidents := []*models.Incident{}
	query := s.rebind(`SELECT * FROM incidents WHERE cluster_id = $1 ORDER BY created_at DESC`)
	err := s.db.SelectContext(ctx, &incidents, query, clusterID)
	return incidents, err
}

func (s *SQLStore) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, summary string) error {
	var resolvedAt *time.Time
	if status == models.IncidentResolved {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	query := s.rebind(`
		UPDATE incidents
		SET status = $1, summary = CASE WHEN $2 = '' THEN summary ELSE $2 END, resolved_at = $3
		WHERE id = $4
	`)
	res, err := s.db.ExecContext(ctx, query, status, summary, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Audit

func (s *SQLStore) CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ActorType == "" {
		ev.ActorType = models.ActorAgent
	}
	if ev.ActorID == "" {
		ev.ActorID = "sre-agent"
	}
	ev.Timestamp = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO audit_events (id, timestamp, cluster_id, actor_type, actor_id, action_type, resource_target, outcome, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.Timestamp, ev.ClusterID, ev.ActorType, ev.ActorID,
		ev.ActionType, ev.ResourceTarget, ev.Outcome, ev.Details,
	)
	return err
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, clusterID string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	events := []*models.AuditEvent{}
	query := s.rebind(`
		SELECT * FROM audit_events
		WHERE cluster_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`)
	err := s.db.SelectContext(ctx, &events, query, clusterID, limit)
	return events, err
}

// Tool call audit

func (s *SQLStore) CreateToolCall(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.IncidentID == "" {
		rec.IncidentID = "general"
	}
	if rec.AgentName == "" {
		rec.AgentName = "Unknown"
	}
	if rec.Status == "" {
		rec.Status = models.ToolCallPending
	}
	rec.Timestamp = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO tool_calls (id, incident_id, agent_name, tool_name, tool_args, status, result, error_message, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.IncidentID, rec.AgentName, rec.ToolName, rec.ToolArgs,
		rec.Status, rec.Result, rec.ErrorMessage, rec.Timestamp,
	)
	return err
}

func (s *SQLStore) FinishToolCall(ctx context.Context, id, status string, result, errMsg *string) error {
	query := s.rebind(`UPDATE tool_calls SET status = $1, result = $2, error_message = $3 WHERE id = $4`)
	res, err := s.db.ExecContext(ctx, query, status, result, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListToolCalls(ctx context.Context, incidentID string) ([]*models.ToolCallRecord, error) {
	calls := []*models.ToolCallRecord{}
	query := s.rebind(`SELECT * FROM tool_calls WHERE incident_id = $1 ORDER BY timestamp DESC`)
	err := s.db.SelectContext(ctx, &calls, query, incidentID)
	return calls, err
}

func hexID() string {
	id := uuid.New()
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out)
}
