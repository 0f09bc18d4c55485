package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/oracle"
	"github.com/arbiterops/arbiter/internal/pkg/metrics"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/internal/statestore"
	"github.com/arbiterops/arbiter/internal/toolcall"
	"github.com/arbiterops/arbiter/internal/tools"
)

// Engine drives investigations. One Engine serves many concurrent runs;
// all per-run data lives in State.
type Engine struct {
	oracle   oracle.Reasoner
	registry *tools.Registry
	invoker  *toolcall.Invoker
	sessions *statestore.Store
	store    repository.Store
	log      *zap.Logger

	// prom is the verifier's metric source. Optional; without it the
	// verifier falls back to status-only output.
	prom *tools.PromClient
	// memory feeds the planner runbooks and past incidents. Optional.
	memory *tools.MemoryClient

	verificationWait  time.Duration
	maxInvestigations int

	// progress, when set, receives every session log line. The edge worker
	// uses it to stream engine output back to the control plane.
	progress func(line string)
}

// Options carries the optional engine dependencies.
type Options struct {
	Prom             *tools.PromClient
	Memory           *tools.MemoryClient
	VerificationWait time.Duration

	// MaxInvestigations caps reflector-driven swarm re-runs per run;
	// zero means the default budget.
	MaxInvestigations int

	Progress func(line string)
}

// New assembles an engine. sessions and store may be nil in tests; every
// use site tolerates their absence.
func New(reasoner oracle.Reasoner, registry *tools.Registry, invoker *toolcall.Invoker,
	sessions *statestore.Store, store repository.Store, log *zap.Logger, opts Options) *Engine {
	wait := opts.VerificationWait
	if wait <= 0 {
		wait = 60 * time.Second
	}
	return &Engine{
		oracle:            reasoner,
		registry:          registry,
		invoker:           invoker,
		sessions:          sessions,
		store:             store,
		log:               log,
		prom:              opts.Prom,
		memory:            opts.Memory,
		verificationWait:  wait,
		maxInvestigations: opts.MaxInvestigations,
		progress:          opts.Progress,
	}
}

// Result is what a run (or resumed run) hands back to its caller.
type Result struct {
	Status       string
	Report       string
	Plan         *models.RemediationPlan
	Execution    *models.ExecutionResult
	Verification *models.VerificationResult
	Findings     map[string]string
}

// Run investigates an alert from scratch. When the policy gate blocks the
// plan, the run pauses: state is serialized into the session store and the
// returned Result has Status WAITING_APPROVAL. The approval endpoint calls
// Resume to pick the run back up at the executor.
func (e *Engine) Run(ctx context.Context, sessionID, clusterID, incidentID string, alert models.AlertContext) (*Result, error) {
	st := NewState(sessionID, clusterID, incidentID, alert)
	st.MaxInvestigations = e.maxInvestigations
	e.markIncident(ctx, st, models.IncidentInvestigating, "")
	return e.loop(ctx, st)
}

// markIncident is best-effort; incident rows live in the control-plane
// database, which the engine may run without.
func (e *Engine) markIncident(ctx context.Context, st *State, status models.IncidentStatus, summary string) {
	if e.store == nil || st.IncidentID == "" {
		return
	}
	if err := e.store.UpdateIncidentStatus(ctx, st.IncidentID, status, summary); err != nil {
		e.log.Warn("incident status not updated",
			zap.String("incident_id", st.IncidentID), zap.Error(err))
	}
}

func (e *Engine) failIncident(ctx context.Context, st *State, cause error) {
	e.markIncident(ctx, st, models.IncidentOpen, "Investigation Attempt Failed: "+cause.Error())
}

// Resume continues a paused run from the session store. Only runs paused
// at WAITING_APPROVAL can resume; the plan is re-marked APPROVED and the
// executor re-checks the break-glass lock itself.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*Result, error) {
	if e.sessions == nil {
		return nil, fmt.Errorf("session store not configured; cannot resume")
	}
	doc := e.sessions.Get(ctx, sessionID)
	if doc == nil {
		return nil, fmt.Errorf("session %s not found or expired", sessionID)
	}
	status, _ := doc["status"].(string)
	if status != StatusWaitingApproval {
		return nil, fmt.Errorf("session %s is %s, not waiting for approval", sessionID, status)
	}
	raw, _ := doc["state"].(string)
	st, err := UnmarshalState(raw)
	if err != nil {
		return nil, err
	}

	st.ApprovalStatus = models.ApprovalApproved
	st.Phase = PhaseExecutor
	e.emit(ctx, st, "Plan approved; resuming at executor.")
	return e.loop(ctx, st)
}

func (e *Engine) loop(ctx context.Context, st *State) (*Result, error) {
	for st.Phase != PhaseDone {
		e.mirror(ctx, st, StatusRunning)

		started := time.Now()
		var err error
		switch st.Phase {
		case PhasePrepare:
			err = e.runPrepare(ctx, st)
		case PhaseSwarm:
			err = e.runSwarm(ctx, st)
		case PhaseReflector:
			err = e.runReflector(ctx, st)
		case PhasePlanner:
			err = e.runPlanner(ctx, st)
		case PhasePolicyGate:
			err = e.runPolicyGate(ctx, st)
		case PhaseExecutor:
			err = e.runExecutor(ctx, st)
		case PhaseVerifier:
			err = e.runVerifier(ctx, st)
		case PhaseAggregate:
			err = e.runAggregate(ctx, st)
		default:
			err = fmt.Errorf("unknown phase %s", st.Phase)
		}
		metrics.EnginePhaseDurationSeconds.WithLabelValues(string(st.Phase)).Observe(time.Since(started).Seconds())

		if err != nil {
			e.emit(ctx, st, fmt.Sprintf("Phase %s failed: %v", st.Phase, err))
			e.mirror(ctx, st, StatusError)
			// The incident goes back to open so it is not stranded
			// in investigating with no live session behind it.
			e.failIncident(ctx, st, err)
			metrics.EngineRunsTotal.WithLabelValues(StatusError).Inc()
			return nil, fmt.Errorf("phase %s: %w", st.Phase, err)
		}

		// Phase markers the mission-control UI keys on.
		switch st.Phase {
		case PhasePrepare, PhaseAggregate:
		default:
			e.emit(ctx, st, "Step completed: "+strings.ToLower(string(st.Phase)))
		}

		if st.ApprovalStatus == models.ApprovalPending {
			e.pause(ctx, st)
			metrics.EngineRunsTotal.WithLabelValues(StatusWaitingApproval).Inc()
			return &Result{
				Status:   StatusWaitingApproval,
				Plan:     st.Plan,
				Findings: st.Findings,
			}, nil
		}

		st.Phase = st.Next()
	}

	e.mirror(ctx, st, StatusCompleted)
	metrics.EngineRunsTotal.WithLabelValues(StatusCompleted).Inc()
	return &Result{
		Status:       StatusCompleted,
		Report:       st.Report,
		Plan:         st.Plan,
		Execution:    st.Execution,
		Verification: st.Verification,
		Findings:     st.Findings,
	}, nil
}

// pause serializes the full state and marks the session WAITING_APPROVAL.
func (e *Engine) pause(ctx context.Context, st *State) {
	e.emit(ctx, st, "Plan requires approval; pausing investigation.")
	e.mirror(ctx, st, StatusWaitingApproval)
	e.log.Info("investigation paused for approval",
		zap.String("session_id", st.SessionID),
		zap.String("cluster_id", st.ClusterID))
}

// mirror writes the session document the mission-control endpoints read.
func (e *Engine) mirror(ctx context.Context, st *State, status string) {
	if e.sessions == nil {
		return
	}
	raw, err := st.Marshal()
	if err != nil {
		e.log.Warn("state not serializable", zap.String("session_id", st.SessionID), zap.Error(err))
		return
	}
	doc := map[string]interface{}{
		"status":            status,
		"current_node":      string(st.Phase),
		"state":             raw,
		"approval_required": st.ApprovalStatus == models.ApprovalPending,
	}
	if st.Plan != nil {
		doc["remediation_plan"] = st.Plan
	}
	if st.Report != "" {
		doc["final_response"] = st.Report
	}
	if st.Verification != nil {
		doc["verification_result"] = st.Verification
	}
	e.sessions.Set(ctx, st.SessionID, doc)
}

// emit appends one timestamped line to the session log stream and forwards
// it to the progress sink.
func (e *Engine) emit(ctx context.Context, st *State, line string) {
	stamped := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), line)
	if e.sessions != nil {
		e.sessions.AppendLog(ctx, st.SessionID, stamped)
	}
	if e.progress != nil {
		e.progress(stamped)
	}
}

// callTool runs one tool through the invocation wrapper and renders the
// outcome as investigator evidence. Failures become findings, not aborts.
func (e *Engine) callTool(ctx context.Context, st *State, agent, name string, args map[string]interface{}) string {
	if !e.registry.Has(name) {
		return fmt.Sprintf("TOOL UNAVAILABLE: %s is not configured on this control plane.", name)
	}
	tool, err := e.registry.Get(name)
	if err != nil {
		return fmt.Sprintf("TOOL UNAVAILABLE: %v", err)
	}

	meta := toolcall.Meta{IncidentID: st.IncidentID, AgentName: agent}
	out, err := e.invoker.Call(ctx, meta, tool, args)
	if err != nil {
		if terr, ok := toolcall.AsToolError(err); ok {
			return terr.AgentResponse()
		}
		return fmt.Sprintf("Error: Tool %s failed. (%v)", name, err)
	}
	return out
}

// callTyped routes a phase's direct client call through the invocation
// wrapper under the name of the equivalent registered tool. The call shares
// retry policy, breaker state, and the audit trail with swarm evidence
// gathering; fn keeps its typed result in a closure and returns the string
// rendering for the audit row.
func (e *Engine) callTyped(ctx context.Context, st *State, agent, name string, args map[string]interface{}, fn func(context.Context) (string, error)) error {
	tool := tools.Func{ToolName: name, Fn: func(ctx context.Context, _ map[string]interface{}) (string, error) {
		return fn(ctx)
	}}
	meta := toolcall.Meta{IncidentID: st.IncidentID, AgentName: agent}
	_, err := e.invoker.Call(ctx, meta, tool, args)
	return err
}
