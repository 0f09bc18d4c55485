package models

import "time"

// AlertContext is the enriched alert an investigation starts from.
// Labels and annotations come straight from Alertmanager.
type AlertContext struct {
	AlertName   string            `json:"alert_name"`
	Severity    string            `json:"severity"`
	Description string            `json:"description"`
	StartsAt    string            `json:"starts_at"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// RiskLevel of a remediation plan as assessed by the oracle.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PlanAction is a single remediation step. ActionType is free-form from the
// oracle ("restart_deployment", "scale_deployment", ...); the executor maps
// it onto a concrete tool.
type PlanAction struct {
	ActionType string                 `json:"action_type"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ApprovalStatus of a plan at the policy gate.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "NOT_REQUIRED"
	ApprovalPending     ApprovalStatus = "PENDING"
	ApprovalApproved    ApprovalStatus = "APPROVED"
)

// RemediationPlan is what the planner produces and the policy gate judges.
type RemediationPlan struct {
	PlanID              string       `json:"plan_id"`
	Hypothesis          string       `json:"hypothesis"`
	Reasoning           string       `json:"reasoning"`
	Actions             []PlanAction `json:"actions"`
	Risk                RiskLevel    `json:"risk"`
	RequiresApproval    bool         `json:"requires_approval"`
	VerificationMetrics []string     `json:"verification_metrics"`
}

// ActionResult is the executor's record of one attempted action.
type ActionResult struct {
	Action  PlanAction `json:"action"`
	Tool    string     `json:"tool"`
	Status  string     `json:"status"` // SUCCESS or FAILED
	Details string     `json:"details,omitempty"`
}

// ExecutionResult summarizes an executor pass.
// Status is COMPLETED, PARTIAL, FAILED or ABORTED.
type ExecutionResult struct {
	Status  string         `json:"status"`
	Actions []ActionResult `json:"actions"`
	Message string         `json:"message,omitempty"`
}

// GoldenSignals is the latency / errors / saturation snapshot taken by the
// verifier after remediation.
type GoldenSignals struct {
	LatencySeconds   float64 `json:"latency_seconds"`
	LatencyStatus    string  `json:"latency_status"` // normal | degraded
	ErrorRate        float64 `json:"error_rate"`
	ErrorStatus      string  `json:"error_status"` // normal | elevated
	Saturation       float64 `json:"saturation"`
	SaturationStatus string  `json:"saturation_status"` // normal | high
}

// VerificationResult is the closed-loop check outcome.
type VerificationResult struct {
	Resolved           bool          `json:"resolved"`
	Metric             string        `json:"metric"`
	Threshold          float64       `json:"threshold"`
	OriginalValue      float64       `json:"original_value"`
	CurrentValue       float64       `json:"current_value"`
	ImprovementPercent float64       `json:"improvement_percent"`
	GoldenSignals      GoldenSignals `json:"golden_signals"`
	NextSteps          []string      `json:"next_steps,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}
