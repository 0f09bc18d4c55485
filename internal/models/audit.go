package models

import "time"

// Audit actor and outcome values. Events are append-only and survive
// cluster deletion; compliance reviews depend on that.
const (
	ActorAgent = "AGENT"
	ActorUser  = "USER"

	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
)

// AuditEvent records one remediation or administrative action.
type AuditEvent struct {
	ID             string    `json:"id" db:"id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	ClusterID      string    `json:"cluster_id" db:"cluster_id"`
	ActorType      string    `json:"actor_type" db:"actor_type"`
	ActorID        string    `json:"actor_id" db:"actor_id"`
	ActionType     string    `json:"action_type" db:"action_type"`
	ResourceTarget string    `json:"resource_target" db:"resource_target"`
	Outcome        string    `json:"outcome" db:"outcome"`
	Details        *string   `json:"details,omitempty" db:"details"`
}

// Tool call audit statuses. A row is written PENDING before the tool runs
// and updated in place once the outcome is known.
const (
	ToolCallPending = "PENDING"
	ToolCallSuccess = "SUCCESS"
	ToolCallFailure = "FAILURE"
)

// ToolCallRecord is the audit row for one wrapped tool invocation.
type ToolCallRecord struct {
	ID           string    `json:"id" db:"id"`
	IncidentID   string    `json:"incident_id" db:"incident_id"`
	AgentName    string    `json:"agent_name" db:"agent_name"`
	ToolName     string    `json:"tool_name" db:"tool_name"`
	ToolArgs     string    `json:"tool_args" db:"tool_args"`
	Status       string    `json:"status" db:"status"`
	Result       *string   `json:"result,omitempty" db:"result"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}
