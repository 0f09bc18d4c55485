package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/engine"
	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/tools"
)

const (
	maxBackoff     = 60 * time.Second
	logFlushEvery  = 5 // progress lines per POST
	maxReportLen   = 1000
	maxAnalysisLen = 500
)

// InvestigationRunner is the engine surface the worker drives; an
// interface so tests can script outcomes.
type InvestigationRunner interface {
	Run(ctx context.Context, sessionID, clusterID, incidentID string, alert models.AlertContext) (*engine.Result, error)
	Resume(ctx context.Context, sessionID string) (*engine.Result, error)
}

// Worker runs one job at a time. Between jobs it polls; on transport
// errors it backs off exponentially, capped at a minute.
type Worker struct {
	client   *Client
	runner   InvestigationRunner
	registry *tools.Registry
	log      *zap.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	mu          sync.Mutex
	activeJobID string
	logBuffer   []string
}

func New(client *Client, runner InvestigationRunner, registry *tools.Registry, pollInterval time.Duration, log *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		client:            client,
		runner:            runner,
		registry:          registry,
		log:               log,
		pollInterval:      pollInterval,
		heartbeatInterval: 30 * time.Second,
	}
}

// Run polls until ctx is canceled. An in-flight job is always finished and
// reported before Run returns.
func (w *Worker) Run(ctx context.Context) {
	go w.heartbeatLoop(ctx)

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return
		default:
		}

		job, err := w.client.Claim(ctx)
		if err != nil {
			consecutiveErrors++
			delay := w.backoff(consecutiveErrors)
			w.log.Warn("claim failed, backing off",
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Duration("delay", delay),
				zap.Error(err))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		consecutiveErrors = 0

		if job == nil {
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}

		// Shutdown must not orphan a half-done investigation.
		w.execute(context.WithoutCancel(ctx), job)
	}
}

// backoff is interval * 2^n, capped.
func (w *Worker) backoff(consecutiveErrors int) time.Duration {
	delay := w.pollInterval
	for i := 1; i < consecutiveErrors; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Heartbeat(ctx); err != nil {
				w.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	w.log.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)))

	if err := w.client.ReportStatus(ctx, job.ID, models.JobStatusUpdate{Status: models.JobRunning}); err != nil {
		w.log.Warn("running transition failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.activeJobID = job.ID
	w.logBuffer = nil
	w.mu.Unlock()

	var result string
	var failed bool
	switch job.JobType {
	case models.JobConfigureCluster:
		result, failed = w.configureCluster(ctx, job)
	default:
		result, failed = w.investigate(ctx, job)
	}

	w.flushLogs(ctx, job.ID)
	w.mu.Lock()
	w.activeJobID = ""
	w.mu.Unlock()

	status := models.JobCompleted
	if failed {
		status = models.JobFailed
	}
	if err := w.client.ReportStatus(ctx, job.ID, models.JobStatusUpdate{Status: status, Result: result}); err != nil {
		w.log.Error("terminal report failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// jobPayload covers both investigation payloads (alert) and approval
// resume payloads (session_id + resume).
type jobPayload struct {
	IncidentID string              `json:"incident_id"`
	Alert      models.AlertContext `json:"alert"`
	SessionID  string              `json:"session_id"`
	Resume     bool                `json:"resume"`
	Kubeconfig string              `json:"kubeconfig"`
}

func parsePayload(job *models.Job) (jobPayload, error) {
	var p jobPayload
	if job.Payload == nil || *job.Payload == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(*job.Payload), &p)
	return p, err
}

func (w *Worker) investigate(ctx context.Context, job *models.Job) (string, bool) {
	payload, err := parsePayload(job)
	if err != nil {
		return errorResult(fmt.Errorf("unreadable job payload: %w", err)), true
	}

	var res *engine.Result
	if payload.Resume && payload.SessionID != "" {
		res, err = w.runner.Resume(ctx, payload.SessionID)
	} else {
		// Alert-driven runs key the session by incident so mission control
		// can merge audit rows and live session logs under one ID; manual
		// triggers have no incident and fall back to the job ID.
		sessionID := payload.IncidentID
		if sessionID == "" {
			sessionID = job.ID
		}
		res, err = w.runner.Run(ctx, sessionID, job.ClusterID, payload.IncidentID, payload.Alert)
	}
	if err != nil {
		return errorResult(err), true
	}
	return w.renderResult(res), false
}

func (w *Worker) renderResult(res *engine.Result) string {
	out := map[string]interface{}{
		"status":       res.Status,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if res.Report != "" {
		out["report"] = truncate(res.Report, maxReportLen)
	}
	if res.Plan != nil {
		out["analysis"] = truncate(res.Plan.Hypothesis+" "+res.Plan.Reasoning, maxAnalysisLen)
	}
	if res.Execution != nil {
		parts := make([]string, 0, len(res.Execution.Actions))
		for _, a := range res.Execution.Actions {
			parts = append(parts, fmt.Sprintf("%s %s: %s", a.Action.ActionType, a.Action.Target, a.Status))
		}
		out["remediation"] = truncate(res.Execution.Status+": "+strings.Join(parts, "; "), maxAnalysisLen)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return errorResult(err)
	}
	return string(raw)
}

func (w *Worker) configureCluster(ctx context.Context, job *models.Job) (string, bool) {
	payload, err := parsePayload(job)
	if err != nil {
		return errorResult(fmt.Errorf("unreadable job payload: %w", err)), true
	}

	tool, err := w.registry.Get("configure_cluster")
	if err != nil {
		return errorResult(err), true
	}
	out, err := tool.Invoke(ctx, map[string]interface{}{"kubeconfig": payload.Kubeconfig})
	if err != nil {
		return errorResult(err), true
	}
	raw, _ := json.Marshal(map[string]string{
		"status":       "success",
		"message":      truncate(out, maxAnalysisLen),
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	return string(raw), false
}

// OnProgress receives engine log lines and streams them to the control
// plane in batches. Wire it as the engine's progress sink.
func (w *Worker) OnProgress(line string) {
	w.mu.Lock()
	w.logBuffer = append(w.logBuffer, line)
	jobID := w.activeJobID
	shouldFlush := len(w.logBuffer) >= logFlushEvery
	w.mu.Unlock()

	if shouldFlush && jobID != "" {
		w.flushLogs(context.Background(), jobID)
	}
}

func (w *Worker) flushLogs(ctx context.Context, jobID string) {
	w.mu.Lock()
	if len(w.logBuffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := strings.Join(w.logBuffer, "\n") + "\n"
	w.logBuffer = nil
	w.mu.Unlock()

	if err := w.client.AppendLogs(ctx, jobID, batch); err != nil {
		w.log.Warn("log streaming failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func errorResult(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sleep waits or returns false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
