package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
)

const maxAuditDetailLen = 200

// runExecutor applies the plan. Two safety checks gate the whole phase:
// the break-glass lock is re-read at entry (an operator may have pulled it
// while the plan waited for approval), and a plan still PENDING approval is
// never executed.
func (e *Engine) runExecutor(ctx context.Context, st *State) error {
	if st.Plan == nil {
		return fmt.Errorf("executor reached without a plan")
	}

	if e.sessions != nil && e.sessions.IsClusterLocked(ctx, st.ClusterID) {
		e.emit(ctx, st, "Cluster is break-glass locked; aborting execution.")
		st.Execution = &models.ExecutionResult{
			Status:  "ABORTED",
			Message: "cluster is break-glass locked; no actions were executed",
		}
		return nil
	}

	if st.ApprovalStatus == models.ApprovalPending {
		e.emit(ctx, st, "Plan is still pending approval; refusing to execute.")
		st.Execution = &models.ExecutionResult{
			Status:  "FAILED",
			Message: "plan pending approval must not be executed",
		}
		return nil
	}

	results := make([]models.ActionResult, 0, len(st.Plan.Actions))
	succeeded := 0
	for _, action := range st.Plan.Actions {
		res := e.executeAction(ctx, st, action)
		results = append(results, res)
		if res.Status == "SUCCESS" {
			succeeded++
		}
		e.audit(ctx, st, action, res)
	}

	status := "COMPLETED"
	switch {
	case len(results) == 0:
		status = "COMPLETED"
	case succeeded == 0:
		status = "FAILED"
	case succeeded < len(results):
		status = "PARTIAL"
	}
	st.Execution = &models.ExecutionResult{Status: status, Actions: results}
	e.emit(ctx, st, fmt.Sprintf("Execution %s: %d/%d actions succeeded.", status, succeeded, len(results)))
	return nil
}

func (e *Engine) executeAction(ctx context.Context, st *State, action models.PlanAction) models.ActionResult {
	actionType := strings.ToLower(action.ActionType)

	// Escalation is a human hand-off, not a tool call.
	if actionType == "escalate" {
		e.emit(ctx, st, fmt.Sprintf("Escalating %s to manual review.", action.Target))
		return models.ActionResult{
			Action: action, Tool: "", Status: "SUCCESS",
			Details: "Escalated to manual review; no automated change made.",
		}
	}

	tool, args := mapAction(action, st.Alert.Labels)
	e.emit(ctx, st, fmt.Sprintf("Executing %s on %s via %s.", action.ActionType, action.Target, tool))

	out := e.callTool(ctx, st, "executor", tool, args)
	if strings.HasPrefix(out, "Error: Tool") || strings.HasPrefix(out, "TOOL UNAVAILABLE") {
		return models.ActionResult{Action: action, Tool: tool, Status: "FAILED", Details: out}
	}

	if tool == "create_revert_pr" {
		e.commentOnRevertPR(ctx, st, out)
	}
	return models.ActionResult{Action: action, Tool: tool, Status: "SUCCESS", Details: out}
}

// mapAction translates a plan action into a concrete tool invocation. Plan
// parameters are merged in last without overwriting the derived arguments.
func mapAction(action models.PlanAction, labels map[string]string) (string, map[string]interface{}) {
	actionType := strings.ToLower(action.ActionType)
	ns := labels["namespace"]
	if ns == "" {
		ns = "default"
	}
	args := map[string]interface{}{"namespace": ns}

	var tool string
	switch {
	case strings.HasPrefix(actionType, "restart") && mentionsPod(action):
		tool = "delete_pod"
		args["pod_name"] = action.Target

	case strings.HasPrefix(actionType, "restart"):
		tool = "restart_deployment"
		args["deployment_name"] = action.Target

	case strings.HasPrefix(actionType, "scale"):
		tool = "scale_deployment"
		args["deployment_name"] = action.Target

	case strings.HasPrefix(actionType, "rollback"):
		tool = "rollback_deployment"
		args["deployment_name"] = action.Target

	case strings.HasPrefix(actionType, "delete") && mentionsPod(action):
		tool = "delete_pod"
		args["pod_name"] = action.Target

	case strings.HasPrefix(actionType, "delete"):
		tool = "delete_resource"
		args["name"] = action.Target
		args["kind"] = "deployment"

	case strings.HasPrefix(actionType, "patch"), actionType == "config_change":
		tool = "patch_resource"
		args["name"] = action.Target

	case actionType == "revert_commit":
		tool = "create_revert_pr"
		sha, _ := action.Parameters["commit_sha"].(string)
		if sha == "" {
			sha = labels["commit_sha"]
		}
		if sha == "" {
			sha = action.Target
		}
		args["commit_sha"] = sha
		short := sha
		if len(short) > 7 {
			short = short[:7]
		}
		args["pr_title"] = "Revert commit " + short

	default:
		tool = "execute_action"
		args["action"] = action.ActionType
		args["target"] = action.Target
	}

	for k, v := range action.Parameters {
		if _, taken := args[k]; !taken {
			args[k] = v
		}
	}
	return tool, args
}

func mentionsPod(action models.PlanAction) bool {
	if strings.Contains(strings.ToLower(action.ActionType), "pod") {
		return true
	}
	_, hasPodName := action.Parameters["pod_name"]
	return hasPodName
}

// commentOnRevertPR follows a successful revert with the investigation's
// reasoning on the new PR, so reviewers see why the bot opened it.
func (e *Engine) commentOnRevertPR(ctx context.Context, st *State, revertOut string) {
	var pr struct {
		PRURL    string `json:"pr_url"`
		PRNumber int    `json:"pr_number"`
	}
	if err := json.Unmarshal([]byte(revertOut), &pr); err != nil || pr.PRNumber == 0 {
		e.log.Warn("revert PR result not parseable, skipping comment",
			zap.String("session_id", st.SessionID))
		return
	}

	body := fmt.Sprintf("Automated revert for alert **%s**.\n\nHypothesis: %s\n\nReasoning: %s",
		st.Alert.AlertName, st.Plan.Hypothesis, st.Plan.Reasoning)
	out := e.callTool(ctx, st, "executor", "comment_on_pr", map[string]interface{}{
		"pr_number": pr.PRNumber,
		"body":      body,
	})
	e.emit(ctx, st, fmt.Sprintf("Revert PR %s: %s", pr.PRURL, out))
}

// audit writes the append-only remediation record for one action.
func (e *Engine) audit(ctx context.Context, st *State, action models.PlanAction, res models.ActionResult) {
	if e.store == nil {
		return
	}
	outcome := models.OutcomeSuccess
	if res.Status != "SUCCESS" {
		outcome = models.OutcomeFailed
	}
	details := res.Details
	if len(details) > maxAuditDetailLen {
		details = details[:maxAuditDetailLen]
	}
	ev := &models.AuditEvent{
		ClusterID:      st.ClusterID,
		ActorType:      models.ActorAgent,
		ActorID:        "sre-agent",
		ActionType:     action.ActionType,
		ResourceTarget: action.Target,
		Outcome:        outcome,
		Details:        &details,
	}
	if err := e.store.CreateAuditEvent(ctx, ev); err != nil {
		e.log.Warn("audit event write failed",
			zap.String("session_id", st.SessionID),
			zap.String("action", action.ActionType),
			zap.Error(err))
	}
}
