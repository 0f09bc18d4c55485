// Package engine runs the investigation loop: observe (swarm), orient
// (reflector), decide (planner + policy gate), act (executor), verify.
// The state machine is data, not control flow: a run can stop at the
// policy gate, serialize itself into the session store, and be resumed
// later by a different goroutine or a different process.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/oracle"
	"github.com/arbiterops/arbiter/internal/policy"
)

// Phase of the investigation state machine.
type Phase string

const (
	PhasePrepare    Phase = "PREPARE"
	PhaseSwarm      Phase = "INVESTIGATION_SWARM"
	PhaseReflector  Phase = "REFLECTOR"
	PhasePlanner    Phase = "PLANNER"
	PhasePolicyGate Phase = "POLICY_GATE"
	PhaseExecutor   Phase = "EXECUTOR"
	PhaseVerifier   Phase = "VERIFIER"
	PhaseAggregate  Phase = "AGGREGATE"
	PhaseDone       Phase = "DONE"
)

// Session status values mirrored to the session store.
const (
	StatusRunning         = "RUNNING"
	StatusWaitingApproval = "WAITING_APPROVAL"
	StatusCompleted       = "COMPLETED"
	StatusError           = "ERROR"
)

// defaultMaxInvestigations bounds reflector-driven swarm loops per run when
// no explicit budget is configured.
const defaultMaxInvestigations = 3

// State is the full serializable record of one investigation. Everything a
// resumed run needs must live here, never in goroutine-local variables.
type State struct {
	SessionID  string              `json:"session_id"`
	ClusterID  string              `json:"cluster_id"`
	IncidentID string              `json:"incident_id,omitempty"`
	Alert      models.AlertContext `json:"alert"`
	Phase      Phase               `json:"phase"`

	InvestigationCount int                `json:"investigation_count"`
	MaxInvestigations  int                `json:"max_investigations,omitempty"`
	RecommendedAgents  []string           `json:"recommended_agents,omitempty"`
	Findings           map[string]string  `json:"findings"`
	Thoughts           map[string]string  `json:"agent_thoughts"`
	Reflection         *oracle.Reflection `json:"reflection,omitempty"`

	Plan           *models.RemediationPlan    `json:"remediation_plan,omitempty"`
	ApprovalStatus models.ApprovalStatus      `json:"approval_status"`
	PolicyEval     *policy.Evaluation         `json:"policy_evaluation,omitempty"`
	Execution      *models.ExecutionResult    `json:"execution,omitempty"`
	Verification   *models.VerificationResult `json:"verification,omitempty"`
	Report         string                     `json:"final_response,omitempty"`
}

// NewState seeds a run at PREPARE.
func NewState(sessionID, clusterID, incidentID string, alert models.AlertContext) *State {
	return &State{
		SessionID:      sessionID,
		ClusterID:      clusterID,
		IncidentID:     incidentID,
		Alert:          alert,
		Phase:          PhasePrepare,
		Findings:       map[string]string{},
		Thoughts:       map[string]string{},
		ApprovalStatus: models.ApprovalNotRequired,
	}
}

// Next returns the phase that follows the current one. The only branch is
// at the reflector, which may send the run back to the swarm.
func (s *State) Next() Phase {
	switch s.Phase {
	case PhasePrepare:
		return PhaseSwarm
	case PhaseSwarm:
		return PhaseReflector
	case PhaseReflector:
		if s.shouldInvestigateDeeper() {
			return PhaseSwarm
		}
		return PhasePlanner
	case PhasePlanner:
		return PhasePolicyGate
	case PhasePolicyGate:
		return PhaseExecutor
	case PhaseExecutor:
		return PhaseVerifier
	case PhaseVerifier:
		return PhaseAggregate
	case PhaseAggregate:
		return PhaseDone
	}
	return PhaseDone
}

func (s *State) shouldInvestigateDeeper() bool {
	limit := s.MaxInvestigations
	if limit <= 0 {
		limit = defaultMaxInvestigations
	}
	return s.Reflection != nil &&
		s.Reflection.RequiresDeeperInvestigation &&
		len(s.Reflection.RecommendedAgents) > 0 &&
		s.InvestigationCount < limit
}

// Marshal serializes the state for the session store.
func (s *State) Marshal() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("serialize investigation state: %w", err)
	}
	return string(raw), nil
}

// UnmarshalState restores a serialized state, e.g. when an approval resumes
// a paused run.
func UnmarshalState(raw string) (*State, error) {
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("restore investigation state: %w", err)
	}
	if s.Findings == nil {
		s.Findings = map[string]string{}
	}
	if s.Thoughts == nil {
		s.Thoughts = map[string]string{}
	}
	return &s, nil
}
