package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/dispatcher"
	"github.com/arbiterops/arbiter/internal/engine"
	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/internal/statestore"
	"github.com/arbiterops/arbiter/migrations"
)

type fixture struct {
	router   *mux.Router
	store    *repository.SQLStore
	sessions *statestore.Store
	org      *models.Organization
	cluster  *models.Cluster
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.RunMigrations(migrations.Initial()))

	mr := miniredis.RunT(t)
	sessions := statestore.New(mr.Addr(), "", 0, zap.NewNop())

	ctx := context.Background()
	org := &models.Organization{Name: "acme"}
	require.NoError(t, store.CreateOrganization(ctx, org))
	cluster := &models.Cluster{OrgID: org.ID, Name: "prod-east"}
	require.NoError(t, store.CreateCluster(ctx, cluster))

	log := zap.NewNop()
	h := NewHandler(dispatcher.New(store, log), store, sessions, "", log)
	router := mux.NewRouter()
	SetupRoutes(router, h)

	return &fixture{router: router, store: store, sessions: sessions, org: org, cluster: cluster}
}

func (f *fixture) orgRequest(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, method, path, body, map[string]string{"X-API-Key": f.org.APIKey})
}

func (f *fixture) agentRequest(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, method, path, body, map[string]string{"X-Cluster-Token": f.cluster.Token})
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestHealth(t *testing.T) {
	f := setup(t)
	rec := f.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["redis"])
}

func TestOrgRoutesRequireAPIKey(t *testing.T) {
	f := setup(t)

	rec := f.request(t, http.MethodGet, "/api/v1/clusters", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/clusters", nil, map[string]string{"X-API-Key": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentRoutesRequireClusterToken(t *testing.T) {
	f := setup(t)

	rec := f.request(t, http.MethodGet, "/agent/jobs/pending", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodGet, "/agent/jobs/pending", nil, map[string]string{"X-Cluster-Token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterClusterReturnsToken(t *testing.T) {
	f := setup(t)

	rec := f.orgRequest(t, http.MethodPost, "/api/v1/clusters", map[string]string{"name": "prod-west"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Cluster models.Cluster `json:"cluster"`
		Token   string         `json:"token"`
	}
	decode(t, rec, &body)
	assert.NotEmpty(t, body.Token, "token is disclosed at registration")
	assert.Equal(t, "prod-west", body.Cluster.Name)

	// The token never appears in reads.
	rec = f.orgRequest(t, http.MethodGet, "/api/v1/clusters/"+body.Cluster.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), body.Token)
}

func TestJobQueueRoundTrip(t *testing.T) {
	f := setup(t)

	// Empty queue: 204.
	rec := f.agentRequest(t, http.MethodGet, "/agent/jobs/pending", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Org triggers a job.
	rec = f.orgRequest(t, http.MethodPost, "/api/v1/clusters/"+f.cluster.ID+"/jobs",
		map[string]interface{}{"job_type": "investigation"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	decode(t, rec, &job)

	// Agent claims it.
	rec = f.agentRequest(t, http.MethodGet, "/agent/jobs/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed models.Job
	decode(t, rec, &claimed)
	assert.Equal(t, job.ID, claimed.ID)

	// Runs it, streaming logs.
	rec = f.agentRequest(t, http.MethodPost, "/agent/jobs/"+job.ID+"/status",
		models.JobStatusUpdate{Status: models.JobRunning})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.agentRequest(t, http.MethodPost, "/agent/jobs/"+job.ID+"/logs",
		map[string]string{"logs": "investigating...\n"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.agentRequest(t, http.MethodPost, "/agent/jobs/"+job.ID+"/status",
		models.JobStatusUpdate{Status: models.JobCompleted, Result: `{"status":"resolved"}`})
	require.Equal(t, http.StatusOK, rec.Code)

	// Org reads the finished job.
	rec = f.orgRequest(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done models.Job
	decode(t, rec, &done)
	assert.Equal(t, models.JobCompleted, done.Status)
	require.NotNil(t, done.Logs)
	assert.Contains(t, *done.Logs, "investigating")

	// Terminal job rejects further updates.
	rec = f.agentRequest(t, http.MethodPost, "/agent/jobs/"+job.ID+"/status",
		models.JobStatusUpdate{Status: models.JobRunning})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerRejectsBadJobType(t *testing.T) {
	f := setup(t)
	rec := f.orgRequest(t, http.MethodPost, "/api/v1/clusters/"+f.cluster.ID+"/jobs",
		map[string]interface{}{"job_type": "mine_bitcoin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForeignClusterLooksNonexistent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rival := &models.Organization{Name: "rival"}
	require.NoError(t, f.store.CreateOrganization(ctx, rival))

	rec := f.request(t, http.MethodGet, "/api/v1/clusters/"+f.cluster.ID, nil,
		map[string]string{"X-API-Key": rival.APIKey})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertWebhookAccepted(t *testing.T) {
	f := setup(t)

	payload := map[string]interface{}{
		"alerts": []map[string]interface{}{
			{
				"status":      "firing",
				"labels":      map[string]string{"alertname": "HighErrorRate", "severity": "critical", "namespace": "payments"},
				"annotations": map[string]string{"description": "5xx over threshold"},
				"startsAt":    "2026-08-24T10:00:00Z",
			},
			{
				"status": "resolved",
				"labels": map[string]string{"alertname": "OldAlert"},
			},
		},
	}
	rec := f.request(t, http.MethodPost, "/webhook/alert/"+f.cluster.ID, payload, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Accepted []map[string]string `json:"accepted"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Accepted, 1, "resolved alerts are dropped")
	assert.Equal(t, "HighErrorRate", body.Accepted[0]["alert"])

	// The incident and the queued job both exist.
	rec = f.orgRequest(t, http.MethodGet, "/api/v1/clusters/"+f.cluster.ID+"/incidents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var incidents []models.Incident
	decode(t, rec, &incidents)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.SeverityCritical, incidents[0].Severity)

	recClaim := f.agentRequest(t, http.MethodGet, "/agent/jobs/pending", nil)
	assert.Equal(t, http.StatusOK, recClaim.Code)
}

func TestClusterLockToggleIsAudited(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec := f.orgRequest(t, http.MethodPost, "/api/v1/clusters/"+f.cluster.ID+"/lock",
		map[string]bool{"locked": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.sessions.IsClusterLocked(ctx, f.cluster.ID))

	rec = f.orgRequest(t, http.MethodGet, "/api/v1/clusters/"+f.cluster.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"locked":true`)

	events, err := f.store.ListAuditEvents(ctx, f.cluster.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActorUser, events[0].ActorType)
	assert.Equal(t, "EMERGENCY_LOCK_TOGGLE", events[0].ActionType)
}

func seedWaitingSession(t *testing.T, f *fixture, sessionID string) {
	t.Helper()
	st := engine.NewState(sessionID, f.cluster.ID, "", models.AlertContext{AlertName: "HighErrorRate"})
	st.Phase = engine.PhasePolicyGate
	st.ApprovalStatus = models.ApprovalPending
	raw, err := st.Marshal()
	require.NoError(t, err)
	ok := f.sessions.Set(context.Background(), sessionID, map[string]interface{}{
		"status":            engine.StatusWaitingApproval,
		"current_node":      string(engine.PhasePolicyGate),
		"state":             raw,
		"approval_required": true,
	})
	require.True(t, ok)
}

func TestApproveSessionEnqueuesResumeJob(t *testing.T) {
	f := setup(t)
	seedWaitingSession(t, f, "sess-1")

	rec := f.orgRequest(t, http.MethodPost, "/api/v1/approve/sess-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	require.NotEmpty(t, body["job_id"])

	job, err := f.store.GetJob(context.Background(), body["job_id"])
	require.NoError(t, err)
	assert.Equal(t, models.JobRemediation, job.JobType)
	require.NotNil(t, job.Payload)
	assert.Contains(t, *job.Payload, `"session_id":"sess-1"`)
	assert.Contains(t, *job.Payload, `"resume":true`)
}

func TestApproveSessionIsSingleShot(t *testing.T) {
	f := setup(t)
	seedWaitingSession(t, f, "sess-once")

	rec := f.orgRequest(t, http.MethodPost, "/api/v1/approve/sess-once", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// A second approval in the waiting window must not enqueue another
	// remediation job.
	rec = f.orgRequest(t, http.MethodPost, "/api/v1/approve/sess-once", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	jobs, err := f.store.ListJobs(context.Background(), f.cluster.ID)
	require.NoError(t, err)
	remediations := 0
	for _, j := range jobs {
		if j.JobType == models.JobRemediation {
			remediations++
		}
	}
	assert.Equal(t, 1, remediations)
}

func TestApproveSessionConflictsWhenNotWaiting(t *testing.T) {
	f := setup(t)
	f.sessions.Set(context.Background(), "sess-2", map[string]interface{}{"status": engine.StatusRunning})

	rec := f.orgRequest(t, http.MethodPost, "/api/v1/approve/sess-2", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.orgRequest(t, http.MethodPost, "/api/v1/approve/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStateOwnership(t *testing.T) {
	f := setup(t)
	seedWaitingSession(t, f, "sess-3")

	rec := f.orgRequest(t, http.MethodGet, "/api/v1/sessions/sess-3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rival := &models.Organization{Name: "rival"}
	require.NoError(t, f.store.CreateOrganization(context.Background(), rival))
	rec = f.request(t, http.MethodGet, "/api/v1/sessions/sess-3", nil,
		map[string]string{"X-API-Key": rival.APIKey})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsSnapshotWithoutBackendIs503(t *testing.T) {
	f := setup(t)
	rec := f.orgRequest(t, http.MethodGet, "/api/v1/metrics/snapshot", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsSnapshot(t *testing.T) {
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"result":[{"value":[1724500000,"0.02"]}]}}`)
	}))
	defer prom.Close()

	f := setup(t)
	log := zap.NewNop()
	h := NewHandler(dispatcher.New(f.store, log), f.store, f.sessions, prom.URL, log)
	router := mux.NewRouter()
	SetupRoutes(router, h)
	f.router = router

	rec := f.orgRequest(t, http.MethodGet, "/api/v1/metrics/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]float64
	decode(t, rec, &snapshot)
	assert.Equal(t, 0.02, snapshot["error_rate"])
	assert.Contains(t, snapshot, "latency_p95")
}

func TestIncidentLogsMergeAuditAndSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inc := &models.Incident{ClusterID: f.cluster.ID, Title: "HighErrorRate"}
	require.NoError(t, f.store.CreateIncident(ctx, inc))

	rec1 := &models.ToolCallRecord{IncidentID: inc.ID, AgentName: "kubernetes", ToolName: "get_pods", Status: models.ToolCallSuccess}
	require.NoError(t, f.store.CreateToolCall(ctx, rec1))

	// Alert-driven runs key the session by incident ID, so the merge needs
	// no query parameter.
	f.sessions.AppendLog(ctx, inc.ID, "[2026-08-24T10:00:00Z] Investigating alert HighErrorRate.")

	rec := f.orgRequest(t, http.MethodGet, "/api/v1/incidents/"+inc.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Logs      []string                `json:"logs"`
		ToolCalls []models.ToolCallRecord `json:"tool_calls"`
	}
	decode(t, rec, &body)
	require.Len(t, body.ToolCalls, 1)
	assert.Contains(t, body.Logs[0], "kubernetes/get_pods SUCCESS")
	assert.Contains(t, body.Logs[len(body.Logs)-1], "Investigating alert")
}

func TestIncidentLogsSessionOverride(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	inc := &models.Incident{ClusterID: f.cluster.ID, Title: "ManualRun"}
	require.NoError(t, f.store.CreateIncident(ctx, inc))

	f.sessions.AppendLog(ctx, "job-manual", "[2026-08-24T11:00:00Z] Manual investigation in progress.")

	rec := f.orgRequest(t, http.MethodGet, "/api/v1/incidents/"+inc.ID+"/logs?session_id=job-manual", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Logs []string `json:"logs"`
	}
	decode(t, rec, &body)
	require.NotEmpty(t, body.Logs)
	assert.Contains(t, body.Logs[len(body.Logs)-1], "Manual investigation")
}
