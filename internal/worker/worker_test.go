package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/engine"
	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/tools"
)

// controlPlane is a scripted stub of the agent endpoints.
type controlPlane struct {
	mu       sync.Mutex
	queue    []*models.Job
	statuses map[string][]models.JobStatusUpdate
	logs     map[string][]string
	tokens   []string
}

func newControlPlane(jobs ...*models.Job) *controlPlane {
	return &controlPlane{
		queue:    jobs,
		statuses: map[string][]models.JobStatusUpdate{},
		logs:     map[string][]string{},
	}
}

func (cp *controlPlane) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		cp.tokens = append(cp.tokens, r.Header.Get("X-Cluster-Token"))

		switch {
		case r.URL.Path == "/agent/jobs/pending":
			if len(cp.queue) == 0 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			job := cp.queue[0]
			cp.queue = cp.queue[1:]
			json.NewEncoder(w).Encode(job)

		case strings.HasSuffix(r.URL.Path, "/status"):
			jobID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/agent/jobs/"), "/status")
			var upd models.JobStatusUpdate
			json.NewDecoder(r.Body).Decode(&upd)
			cp.statuses[jobID] = append(cp.statuses[jobID], upd)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		case strings.HasSuffix(r.URL.Path, "/logs"):
			jobID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/agent/jobs/"), "/logs")
			var body struct {
				Logs string `json:"logs"`
			}
			raw, _ := io.ReadAll(r.Body)
			json.Unmarshal(raw, &body)
			cp.logs[jobID] = append(cp.logs[jobID], body.Logs)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		case r.URL.Path == "/agent/heartbeat":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type fakeRunner struct {
	mu       sync.Mutex
	runCalls []string // session IDs
	resumed  []string
	result   *engine.Result
	err      error
	onRun    func()
}

func (f *fakeRunner) Run(_ context.Context, sessionID, clusterID, incidentID string, _ models.AlertContext) (*engine.Result, error) {
	f.mu.Lock()
	f.runCalls = append(f.runCalls, sessionID)
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun()
	}
	return f.result, f.err
}

func (f *fakeRunner) Resume(_ context.Context, sessionID string) (*engine.Result, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, sessionID)
	f.mu.Unlock()
	return f.result, f.err
}

func testJob(id string, jobType models.JobType, payload string) *models.Job {
	j := &models.Job{ID: id, ClusterID: "cl_1", JobType: jobType, Status: models.JobPending}
	if payload != "" {
		j.Payload = &payload
	}
	return j
}

func newTestWorker(t *testing.T, cp *controlPlane, runner InvestigationRunner, reg *tools.Registry) *Worker {
	t.Helper()
	srv := httptest.NewServer(cp.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "tok_test", time.Second)
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return New(client, runner, reg, 10*time.Millisecond, zap.NewNop())
}

func TestExecuteInvestigationJob(t *testing.T) {
	runner := &fakeRunner{result: &engine.Result{
		Status: engine.StatusCompleted,
		Report: "all good",
		Plan:   &models.RemediationPlan{Hypothesis: "bad rollout", Reasoning: "errors started at deploy time"},
		Execution: &models.ExecutionResult{Status: "COMPLETED", Actions: []models.ActionResult{
			{Action: models.PlanAction{ActionType: "restart_deployment", Target: "web"}, Status: "SUCCESS"},
		}},
	}}
	cp := newControlPlane()
	w := newTestWorker(t, cp, runner, nil)

	payload := `{"incident_id":"inc_1","alert":{"alert_name":"HighErrorRate"}}`
	w.execute(context.Background(), testJob("job-1", models.JobInvestigation, payload))

	require.Equal(t, []string{"inc_1"}, runner.runCalls, "incident ID doubles as session ID")

	updates := cp.statuses["job-1"]
	require.Len(t, updates, 2)
	assert.Equal(t, models.JobRunning, updates[0].Status)
	assert.Equal(t, models.JobCompleted, updates[1].Status)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(updates[1].Result), &result))
	assert.Equal(t, engine.StatusCompleted, result["status"])
	assert.Equal(t, "all good", result["report"])
	assert.Contains(t, result["analysis"], "bad rollout")
	assert.Contains(t, result["remediation"], "restart_deployment web: SUCCESS")
	assert.NotEmpty(t, result["completed_at"])
}

func TestExecuteResumeJob(t *testing.T) {
	runner := &fakeRunner{result: &engine.Result{Status: engine.StatusCompleted}}
	cp := newControlPlane()
	w := newTestWorker(t, cp, runner, nil)

	w.execute(context.Background(), testJob("job-2", models.JobRemediation, `{"session_id":"sess-9","resume":true}`))

	assert.Equal(t, []string{"sess-9"}, runner.resumed)
	assert.Empty(t, runner.runCalls)
}

func TestExecuteFailureReportsError(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("phase INVESTIGATION_SWARM: boom")}
	cp := newControlPlane()
	w := newTestWorker(t, cp, runner, nil)

	w.execute(context.Background(), testJob("job-3", models.JobInvestigation, ""))

	assert.Equal(t, []string{"job-3"}, runner.runCalls,
		"manual jobs without an incident fall back to the job ID as session ID")

	updates := cp.statuses["job-3"]
	require.Len(t, updates, 2)
	assert.Equal(t, models.JobFailed, updates[1].Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(updates[1].Result), &result))
	assert.Contains(t, result["error"], "boom")
}

func TestConfigureClusterJobUsesTool(t *testing.T) {
	reg := tools.NewRegistry()
	var gotKubeconfig string
	reg.Register(tools.Func{ToolName: "configure_cluster", Fn: func(_ context.Context, args map[string]interface{}) (string, error) {
		gotKubeconfig, _ = args["kubeconfig"].(string)
		return "cluster configured", nil
	}})
	runner := &fakeRunner{}
	cp := newControlPlane()
	w := newTestWorker(t, cp, runner, reg)

	w.execute(context.Background(), testJob("job-4", models.JobConfigureCluster, `{"kubeconfig":"apiVersion: v1"}`))

	assert.Equal(t, "apiVersion: v1", gotKubeconfig)
	assert.Empty(t, runner.runCalls, "configure jobs bypass the engine")
	updates := cp.statuses["job-4"]
	require.Len(t, updates, 2)
	assert.Equal(t, models.JobCompleted, updates[1].Status)
	assert.Contains(t, updates[1].Result, `"status":"success"`)
	assert.Contains(t, updates[1].Result, "cluster configured")
}

func TestProgressBatchesEveryFiveLines(t *testing.T) {
	cp := newControlPlane()
	runner := &fakeRunner{result: &engine.Result{Status: engine.StatusCompleted}}
	w := newTestWorker(t, cp, runner, nil)
	runner.onRun = func() {
		for i := 1; i <= 7; i++ {
			w.OnProgress(fmt.Sprintf("line %d", i))
		}
	}

	w.execute(context.Background(), testJob("job-5", models.JobInvestigation, ""))

	batches := cp.logs["job-5"]
	require.Len(t, batches, 2, "one full batch of five, one final flush of two")
	assert.Equal(t, "line 1\nline 2\nline 3\nline 4\nline 5\n", batches[0])
	assert.Equal(t, "line 6\nline 7\n", batches[1])
}

func TestBackoffSchedule(t *testing.T) {
	w := New(nil, nil, tools.NewRegistry(), 5*time.Second, zap.NewNop())

	assert.Equal(t, 5*time.Second, w.backoff(1))
	assert.Equal(t, 10*time.Second, w.backoff(2))
	assert.Equal(t, 20*time.Second, w.backoff(3))
	assert.Equal(t, 40*time.Second, w.backoff(4))
	assert.Equal(t, 60*time.Second, w.backoff(5), "capped at a minute")
	assert.Equal(t, 60*time.Second, w.backoff(10))
}

func TestRunPollsAndStops(t *testing.T) {
	runner := &fakeRunner{result: &engine.Result{Status: engine.StatusCompleted}}
	cp := newControlPlane(testJob("job-6", models.JobInvestigation, ""))
	w := newTestWorker(t, cp, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		return len(cp.statuses["job-6"]) == 2
	}, 2*time.Second, 10*time.Millisecond, "queued job executes")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.Equal(t, models.JobCompleted, cp.statuses["job-6"][1].Status)
	for _, tok := range cp.tokens {
		assert.Equal(t, "tok_test", tok)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcde", truncate("abcdefgh", 5))
}
