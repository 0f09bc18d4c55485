package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/policy"
)

// runPolicyGate judges the plan with the deterministic rule set. The gate
// re-derives the approval requirement; the oracle's own requires_approval
// flag can add a pause but never remove one.
func (e *Engine) runPolicyGate(ctx context.Context, st *State) error {
	if st.Plan == nil {
		return fmt.Errorf("policy gate reached without a plan")
	}

	eval := policy.Evaluate(*st.Plan, st.Alert.Labels)
	st.PolicyEval = &eval

	e.emit(ctx, st, fmt.Sprintf("Policy gate: risk score %.1f in environment %s.",
		eval.RiskScore, eval.Environment))

	if !eval.Allowed() || st.Plan.RequiresApproval {
		st.ApprovalStatus = models.ApprovalPending
		st.Plan.RequiresApproval = true
		if len(eval.BlockedActions) > 0 {
			e.emit(ctx, st, fmt.Sprintf("Blocked actions pending approval: %s.",
				strings.Join(eval.BlockedActions, "; ")))
		}
		return nil
	}

	st.ApprovalStatus = models.ApprovalNotRequired
	e.emit(ctx, st, "All actions permitted by policy; executing without approval.")
	return nil
}
