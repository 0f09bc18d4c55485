package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/migrations"
)

func setupStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.RunMigrations(migrations.Initial()))
	return store
}

func seedCluster(t *testing.T, store *SQLStore) (*models.Organization, *models.Cluster) {
	t.Helper()
	ctx := context.Background()
	org := &models.Organization{Name: "acme"}
	require.NoError(t, store.CreateOrganization(ctx, org))
	cluster := &models.Cluster{OrgID: org.ID, Name: "prod-east"}
	require.NoError(t, store.CreateCluster(ctx, cluster))
	return org, cluster
}

func TestCreateClusterGeneratesToken(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)

	require.NotEmpty(t, cluster.Token)
	assert.Contains(t, cluster.Token, "cl_")
	assert.Equal(t, models.ClusterOffline, cluster.Status, "offline until first heartbeat")

	got, err := store.GetClusterByToken(context.Background(), cluster.Token)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, got.ID)

	_, err = store.GetClusterByToken(context.Background(), "cl_bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatTogglesStatus(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	require.NoError(t, store.TouchHeartbeat(ctx, cluster.ID))
	got, err := store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClusterOnline, got.Status)
	require.NotNil(t, got.LastHeartbeat)

	require.NoError(t, store.MarkOffline(ctx, cluster.ID))
	got, err = store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClusterOffline, got.Status)
}

func TestDeleteClusterScopedToOrg(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	rival := &models.Organization{Name: "rival"}
	require.NoError(t, store.CreateOrganization(ctx, rival))

	assert.ErrorIs(t, store.DeleteCluster(ctx, cluster.ID, rival.ID), ErrNotFound)

	require.NoError(t, store.DeleteCluster(ctx, cluster.ID, cluster.OrgID))
	_, err := store.GetCluster(ctx, cluster.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimPendingJobFIFO(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	first := &models.Job{ClusterID: cluster.ID}
	require.NoError(t, store.CreateJob(ctx, first))
	time.Sleep(time.Millisecond)
	second := &models.Job{ClusterID: cluster.ID}
	require.NoError(t, store.CreateJob(ctx, second))

	assert.Equal(t, models.JobPending, first.Status, "defaulted on insert")
	assert.Equal(t, models.JobInvestigation, first.JobType)

	claimed, err := store.ClaimPendingJob(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID, "oldest pending job first")

	_, err = store.UpdateJobStatus(ctx, first.ID, models.JobStatusUpdate{Status: models.JobRunning})
	require.NoError(t, err)

	claimed, err = store.ClaimPendingJob(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestClaimPendingJobEmptyQueue(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)

	_, err := store.ClaimPendingJob(context.Background(), cluster.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobStatusLifecycle(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	job := &models.Job{ClusterID: cluster.ID}
	require.NoError(t, store.CreateJob(ctx, job))

	running, err := store.UpdateJobStatus(ctx, job.ID, models.JobStatusUpdate{Status: models.JobRunning})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := store.UpdateJobStatus(ctx, job.ID, models.JobStatusUpdate{
		Status: models.JobCompleted,
		Result: `{"status":"COMPLETED"}`,
		Logs:   "final line\n",
	})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.Result)
	assert.Equal(t, `{"status":"COMPLETED"}`, *done.Result)

	// Terminal jobs never change again.
	_, err = store.UpdateJobStatus(ctx, job.ID, models.JobStatusUpdate{Status: models.JobRunning})
	assert.Error(t, err)
}

func TestAppendJobLogsConcatenates(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	job := &models.Job{ClusterID: cluster.ID}
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, store.AppendJobLogs(ctx, job.ID, "line 1\n"))
	require.NoError(t, store.AppendJobLogs(ctx, job.ID, "line 2\n"))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Logs)
	assert.Equal(t, "line 1\nline 2\n", *got.Logs)

	assert.ErrorIs(t, store.AppendJobLogs(ctx, "missing", "x"), ErrNotFound)
}

func TestIncidentLifecycle(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	inc := &models.Incident{ClusterID: cluster.ID, Title: "HighErrorRate"}
	require.NoError(t, store.CreateIncident(ctx, inc))
	assert.Equal(t, models.SeverityMedium, inc.Severity, "defaulted on insert")
	assert.Equal(t, models.IncidentOpen, inc.Status)

	require.NoError(t, store.UpdateIncidentStatus(ctx, inc.ID, models.IncidentResolved, "restarted web"))
	got, err := store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "restarted web", *got.Summary)

	// An empty summary keeps the previous one.
	require.NoError(t, store.UpdateIncidentStatus(ctx, inc.ID, models.IncidentInvestigating, ""))
	got, err = store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "restarted web", *got.Summary)

	assert.ErrorIs(t, store.UpdateIncidentStatus(ctx, "missing", models.IncidentResolved, ""), ErrNotFound)
}

func TestAuditEventsNewestFirstWithLimit(t *testing.T) {
	store := setupStore(t)
	_, cluster := seedCluster(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &models.AuditEvent{
			ClusterID:      cluster.ID,
			ActionType:     "restart_deployment",
			ResourceTarget: "web",
			Outcome:        models.OutcomeSuccess,
		}
		require.NoError(t, store.CreateAuditEvent(ctx, ev))
		assert.Equal(t, models.ActorAgent, ev.ActorType, "defaulted on insert")
		time.Sleep(time.Millisecond)
	}
	last := &models.AuditEvent{ClusterID: cluster.ID, ActionType: "scale_deployment", Outcome: models.OutcomeFailed}
	require.NoError(t, store.CreateAuditEvent(ctx, last))

	events, err := store.ListAuditEvents(ctx, cluster.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, last.ID, events[0].ID, "newest first")
}

func TestToolCallPendingThenFinished(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &models.ToolCallRecord{ToolName: "get_pods", ToolArgs: `{"namespace":"default"}`}
	require.NoError(t, store.CreateToolCall(ctx, rec))
	assert.Equal(t, models.ToolCallPending, rec.Status, "defaulted on insert")
	assert.Equal(t, "general", rec.IncidentID)

	result := "3 pods running"
	require.NoError(t, store.FinishToolCall(ctx, rec.ID, models.ToolCallSuccess, &result, nil))

	calls, err := store.ListToolCalls(ctx, "general")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCallSuccess, calls[0].Status)
	require.NotNil(t, calls[0].Result)
	assert.Equal(t, result, *calls[0].Result)

	assert.ErrorIs(t, store.FinishToolCall(ctx, "missing", models.ToolCallFailure, nil, nil), ErrNotFound)
}
