package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/migrations"
)

func setupService(t *testing.T) (*Service, *models.Organization, *models.Cluster) {
	t.Helper()
	store, err := repository.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.RunMigrations(migrations.Initial()))

	ctx := context.Background()
	org := &models.Organization{Name: "acme"}
	require.NoError(t, store.CreateOrganization(ctx, org))
	cluster := &models.Cluster{OrgID: org.ID, Name: "prod-east"}
	require.NoError(t, store.CreateCluster(ctx, cluster))

	return New(store, zap.NewNop()), org, cluster
}

func TestTriggerAndClaimFIFO(t *testing.T) {
	svc, org, cluster := setupService(t)
	ctx := context.Background()

	first, err := svc.Trigger(ctx, org.ID, cluster.ID, models.JobInvestigation, nil)
	require.NoError(t, err)
	second, err := svc.Trigger(ctx, org.ID, cluster.ID, models.JobRemediation, nil)
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, cluster.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID, "oldest job first")

	// The claimed job is still pending until the agent reports running,
	// so finish it before the next claim.
	_, err = svc.Report(ctx, cluster.ID, first.ID, models.JobStatusUpdate{Status: models.JobCompleted})
	require.NoError(t, err)

	claimed, err = svc.Claim(ctx, cluster.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestClaimEmptyQueue(t *testing.T) {
	svc, _, cluster := setupService(t)

	job, err := svc.Claim(context.Background(), cluster.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimMarksClusterOnline(t *testing.T) {
	svc, _, cluster := setupService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, cluster.ID)
	require.NoError(t, err)

	got, err := svc.store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClusterOnline, got.Status)
	assert.NotNil(t, got.LastHeartbeat)
}

func TestTriggerRejectsUnknownType(t *testing.T) {
	svc, org, cluster := setupService(t)

	_, err := svc.Trigger(context.Background(), org.ID, cluster.ID, models.JobType("mine_bitcoin"), nil)
	assert.ErrorContains(t, err, "unknown job type")
}

func TestTriggerForeignClusterIsNotFound(t *testing.T) {
	svc, _, cluster := setupService(t)
	ctx := context.Background()

	other := &models.Organization{Name: "rival"}
	require.NoError(t, svc.store.CreateOrganization(ctx, other))

	_, err := svc.Trigger(ctx, other.ID, cluster.ID, models.JobInvestigation, nil)
	assert.ErrorIs(t, err, repository.ErrNotFound, "foreign clusters look nonexistent")
}

func TestReportLifecycleAndLogAppend(t *testing.T) {
	svc, org, cluster := setupService(t)
	ctx := context.Background()

	job, err := svc.Trigger(ctx, org.ID, cluster.ID, models.JobInvestigation, nil)
	require.NoError(t, err)

	running, err := svc.Report(ctx, cluster.ID, job.ID, models.JobStatusUpdate{Status: models.JobRunning})
	require.NoError(t, err)
	assert.NotNil(t, running.StartedAt)

	require.NoError(t, svc.AppendLogs(ctx, cluster.ID, job.ID, "line 1\n"))
	require.NoError(t, svc.AppendLogs(ctx, cluster.ID, job.ID, "line 2\n"))

	done, err := svc.Report(ctx, cluster.ID, job.ID, models.JobStatusUpdate{
		Status: models.JobCompleted,
		Result: `{"status":"resolved"}`,
	})
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.Logs)
	assert.Equal(t, "line 1\nline 2\n", *done.Logs)

	// Terminal jobs are immutable.
	_, err = svc.Report(ctx, cluster.ID, job.ID, models.JobStatusUpdate{Status: models.JobRunning})
	assert.Error(t, err)
}

func TestReportForeignJobIsNotFound(t *testing.T) {
	svc, org, cluster := setupService(t)
	ctx := context.Background()

	other := &models.Cluster{OrgID: org.ID, Name: "prod-west"}
	require.NoError(t, svc.store.CreateCluster(ctx, other))

	job, err := svc.Trigger(ctx, org.ID, cluster.ID, models.JobInvestigation, nil)
	require.NoError(t, err)

	_, err = svc.Report(ctx, other.ID, job.ID, models.JobStatusUpdate{Status: models.JobRunning})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, svc.AppendLogs(ctx, other.ID, job.ID, "x"), repository.ErrNotFound)
}

func TestIngestAlertOpensIncidentAndJob(t *testing.T) {
	svc, _, cluster := setupService(t)
	ctx := context.Background()

	alert := models.AlertContext{
		AlertName:   "HighErrorRate",
		Severity:    "critical",
		Description: "5xx ratio over threshold",
		Labels:      map[string]string{"namespace": "payments"},
	}
	inc, job, err := svc.IngestAlert(ctx, cluster.ID, alert)
	require.NoError(t, err)

	assert.Equal(t, "HighErrorRate", inc.Title)
	assert.Equal(t, models.SeverityCritical, inc.Severity)
	assert.Equal(t, models.IncidentOpen, inc.Status)

	assert.Equal(t, models.JobInvestigation, job.JobType)
	require.NotNil(t, job.Payload)
	var payload struct {
		IncidentID string              `json:"incident_id"`
		Alert      models.AlertContext `json:"alert"`
	}
	require.NoError(t, json.Unmarshal([]byte(*job.Payload), &payload))
	assert.Equal(t, inc.ID, payload.IncidentID)
	assert.Equal(t, "payments", payload.Alert.Labels["namespace"])
}

func TestSeverityMapping(t *testing.T) {
	tests := map[string]models.IncidentSeverity{
		"critical": models.SeverityCritical,
		"high":     models.SeverityHigh,
		"error":    models.SeverityHigh,
		"warning":  models.SeverityMedium,
		"low":      models.SeverityLow,
		"info":     models.SeverityMedium,
		"":         models.SeverityMedium,
	}
	for in, want := range tests {
		assert.Equal(t, want, severityFor(in), in)
	}
}
