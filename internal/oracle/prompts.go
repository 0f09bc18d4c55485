package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arbiterops/arbiter/internal/models"
)

// Reasoner is the engine-facing surface, narrow so tests can fake it.
type Reasoner interface {
	SummarizeFindings(ctx context.Context, agentName, query, evidence string) (string, error)
	Reflect(ctx context.Context, findings map[string]string) (Reflection, error)
	DraftPlan(ctx context.Context, req PlanRequest) (models.RemediationPlan, error)
	ComposeReport(ctx context.Context, req ReportRequest) (string, error)
}

// Reflection is the critique of the current findings: a root-cause
// hypothesis with confidence, the reasoning behind it, and whatever
// contradictions or gaps argue for another investigation pass.
type Reflection struct {
	Critique                    string   `json:"critique"`
	Hypothesis                  string   `json:"hypothesis"`
	Confidence                  float64  `json:"confidence"`
	Reasoning                   string   `json:"reasoning"`
	Discrepancies               []string `json:"discrepancies,omitempty"`
	RequiresDeeperInvestigation bool     `json:"requires_deeper_investigation"`
	RecommendedAgents           []string `json:"recommended_agents"`
	MissingData                 []string `json:"missing_data,omitempty"`
}

// PlanRequest carries everything the planner hands to the oracle.
type PlanRequest struct {
	Alert            models.AlertContext
	Findings         map[string]string
	Runbook          string
	SimilarIncidents []string
}

// ReportRequest carries the aggregate phase inputs.
type ReportRequest struct {
	Alert        models.AlertContext
	Findings     map[string]string
	Plan         *models.RemediationPlan
	Execution    *models.ExecutionResult
	Verification *models.VerificationResult
}

// SummarizeFindings condenses one investigator's tool evidence.
func (c *Client) SummarizeFindings(ctx context.Context, agentName, query, evidence string) (string, error) {
	prompt := fmt.Sprintf(`You are the %s investigator for this incident.

Investigation question: %s

Tool evidence collected (lines starting with "Error: Tool" mean that tool was unavailable; note the gap, do not speculate about what it would have shown):

%s

Summarize the relevant findings in a few sentences. If a tool was unavailable, begin a line with "TOOL UNAVAILABLE:" naming it.`, agentName, query, evidence)
	return c.complete(ctx, prompt)
}

// Reflect critiques merged findings and decides whether to loop back.
func (c *Client) Reflect(ctx context.Context, findings map[string]string) (Reflection, error) {
	var sb strings.Builder
	unavailable := []string{}
	for _, agent := range sortedKeys(findings) {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", agent, findings[agent])
		if strings.Contains(findings[agent], "TOOL UNAVAILABLE") {
			unavailable = append(unavailable, agent)
		}
	}

	prompt := fmt.Sprintf(`Critique these investigation findings for completeness and consistency.

%s`, sb.String())
	if len(unavailable) > 0 {
		prompt += fmt.Sprintf(`
TOOL UNAVAILABILITY NOTICE: the following investigators reported unavailable tools: %s.
Work with the data that exists. Do not recommend re-running an investigator just because its tool was down.
`, strings.Join(unavailable, ", "))
	}
	prompt += `
Reply with JSON:
{"critique": "...", "hypothesis": "most likely root cause", "confidence": 0.0-1.0, "reasoning": "...",
 "discrepancies": ["findings that contradict each other"],
 "requires_deeper_investigation": bool, "recommended_agents": ["kubernetes"|"metrics"|"logs"|"github", ...], "missing_data": ["..."]}`

	var out Reflection
	if err := c.completeJSON(ctx, prompt, &out); err != nil {
		return Reflection{}, err
	}
	return out, nil
}

// DraftPlan asks for a remediation plan. The returned plan always gets a
// fresh server-side plan ID; approval requirements are re-derived by the
// policy gate regardless of what the model claims.
func (c *Client) DraftPlan(ctx context.Context, req PlanRequest) (models.RemediationPlan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Alert: %s (severity %s)\nDescription: %s\n\n", req.Alert.AlertName, req.Alert.Severity, req.Alert.Description)
	for _, agent := range sortedKeys(req.Findings) {
		fmt.Fprintf(&sb, "## %s findings\n%s\n\n", agent, req.Findings[agent])
	}
	if req.Runbook != "" {
		fmt.Fprintf(&sb, "RELEVANT RUNBOOK FOUND. Follow these instructions verbatim where applicable:\n%s\n\n", req.Runbook)
	}
	if len(req.SimilarIncidents) > 0 {
		fmt.Fprintf(&sb, "Similar past incidents:\n%s\n\n", strings.Join(req.SimilarIncidents, "\n---\n"))
	}
	sb.WriteString(`Produce a remediation plan as JSON:
{"hypothesis": "...", "reasoning": "...", "risk": "low"|"medium"|"high", "requires_approval": bool,
 "verification_metrics": ["..."],
 "actions": [{"action_type": "restart_deployment"|"scale_deployment"|"rollback_deployment"|"delete_pod"|"patch_resource"|"revert_commit"|"escalate", "target": "...", "parameters": {}}]}`)

	var plan models.RemediationPlan
	if err := c.completeJSON(ctx, sb.String(), &plan); err != nil {
		return models.RemediationPlan{}, err
	}
	plan.PlanID = NewPlanID(time.Now())
	return plan, nil
}

// ComposeReport writes the final incident report.
func (c *Client) ComposeReport(ctx context.Context, req ReportRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a concise incident report (markdown) for alert %s.\n\n", req.Alert.AlertName)
	for _, agent := range sortedKeys(req.Findings) {
		fmt.Fprintf(&sb, "## %s findings\n%s\n\n", agent, req.Findings[agent])
	}
	if req.Plan != nil {
		fmt.Fprintf(&sb, "Hypothesis: %s\nReasoning: %s\n", req.Plan.Hypothesis, req.Plan.Reasoning)
	}
	if req.Execution != nil {
		fmt.Fprintf(&sb, "Execution status: %s (%d actions)\n", req.Execution.Status, len(req.Execution.Actions))
	}
	if req.Verification != nil {
		fmt.Fprintf(&sb, "Verification: resolved=%v metric=%s improvement=%.1f%%\n",
			req.Verification.Resolved, req.Verification.Metric, req.Verification.ImprovementPercent)
	}
	sb.WriteString("\nSections: Summary, Root Cause, Actions Taken, Verification, Follow-ups.")
	return c.complete(ctx, sb.String())
}

// NewPlanID formats a plan ID from a timestamp: plan-YYYYmmddHHMMSS (UTC).
func NewPlanID(t time.Time) string {
	return "plan-" + t.UTC().Format("20060102150405")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
