package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/oracle"
)

func TestNextWalksThePhases(t *testing.T) {
	st := NewState("s", "c", "", models.AlertContext{})

	want := []Phase{PhaseSwarm, PhaseReflector, PhasePlanner, PhasePolicyGate,
		PhaseExecutor, PhaseVerifier, PhaseAggregate, PhaseDone}
	for _, phase := range want {
		st.Phase = st.Next()
		assert.Equal(t, phase, st.Phase)
	}
}

func TestNextLoopsBackOnDeeperInvestigation(t *testing.T) {
	st := NewState("s", "c", "", models.AlertContext{})
	st.Phase = PhaseReflector
	st.InvestigationCount = 1
	st.Reflection = &oracle.Reflection{
		RequiresDeeperInvestigation: true,
		RecommendedAgents:           []string{"logs"},
	}
	assert.Equal(t, PhaseSwarm, st.Next())

	// Recommendation without the flag does not loop.
	st.Reflection.RequiresDeeperInvestigation = false
	assert.Equal(t, PhasePlanner, st.Next())

	// Flag without recommendations does not loop either.
	st.Reflection.RequiresDeeperInvestigation = true
	st.Reflection.RecommendedAgents = nil
	assert.Equal(t, PhasePlanner, st.Next())

	// Budget exhausted.
	st.Reflection.RecommendedAgents = []string{"logs"}
	st.InvestigationCount = defaultMaxInvestigations
	assert.Equal(t, PhasePlanner, st.Next())

	// A configured budget overrides the default.
	st.MaxInvestigations = defaultMaxInvestigations + 2
	assert.Equal(t, PhaseSwarm, st.Next())
	st.MaxInvestigations = 1
	assert.Equal(t, PhasePlanner, st.Next())
}

func TestStateRoundTrip(t *testing.T) {
	st := NewState("sess-1", "cl_1", "inc_1", models.AlertContext{
		AlertName: "HighErrorRate",
		Labels:    map[string]string{"namespace": "payments"},
	})
	st.Phase = PhaseExecutor
	st.InvestigationCount = 2
	st.MaxInvestigations = 5
	st.Findings = map[string]string{"logs": "errors everywhere"}
	st.Thoughts = map[string]string{"logs": "What do recent error logs show?"}
	st.Reflection = &oracle.Reflection{
		Hypothesis: "Bad rollout",
		Confidence: 0.7,
		Reasoning:  "Errors started at deploy time.",
	}
	st.ApprovalStatus = models.ApprovalPending
	st.Plan = &models.RemediationPlan{PlanID: "plan-20260101000000", Risk: models.RiskHigh}

	raw, err := st.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalState(raw)
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, got.SessionID)
	assert.Equal(t, PhaseExecutor, got.Phase)
	assert.Equal(t, 2, got.InvestigationCount)
	assert.Equal(t, 5, got.MaxInvestigations)
	assert.Equal(t, "errors everywhere", got.Findings["logs"])
	assert.Equal(t, "What do recent error logs show?", got.Thoughts["logs"])
	require.NotNil(t, got.Reflection)
	assert.Equal(t, "Bad rollout", got.Reflection.Hypothesis)
	assert.Equal(t, 0.7, got.Reflection.Confidence)
	assert.Equal(t, models.ApprovalPending, got.ApprovalStatus)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "plan-20260101000000", got.Plan.PlanID)
}

func TestUnmarshalStateRejectsGarbage(t *testing.T) {
	_, err := UnmarshalState("{not json")
	assert.Error(t, err)
}
