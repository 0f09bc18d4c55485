package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/oracle"
)

const (
	recallLimit     = 3
	recallThreshold = 0.7
)

// runPlanner drafts the remediation plan: institutional memory first
// (runbook + similar incidents), then the oracle. A dead oracle yields the
// conservative fallback plan instead of a dead incident.
func (e *Engine) runPlanner(ctx context.Context, st *State) error {
	e.emit(ctx, st, "Drafting remediation plan.")

	req := oracle.PlanRequest{
		Alert:    st.Alert,
		Findings: st.Findings,
	}

	if e.memory != nil {
		// The reflector's hypothesis is a better recall key than the raw
		// alert text once it exists.
		query := st.Alert.AlertName + " " + st.Alert.Description
		if st.Reflection != nil && st.Reflection.Hypothesis != "" {
			query = strings.TrimSpace(st.Reflection.Hypothesis + " " + st.Reflection.Reasoning)
		}

		var rb string
		if err := e.callTyped(ctx, st, "planner", "search_runbooks",
			map[string]interface{}{"query": query},
			func(ctx context.Context) (string, error) {
				out, err := e.memory.SearchRunbooks(ctx, query)
				if err != nil {
					return "", err
				}
				rb = out
				return out, nil
			}); err != nil {
			e.log.Warn("runbook search failed", zap.String("session_id", st.SessionID), zap.Error(err))
		} else if rb != "" {
			req.Runbook = rb
			e.emit(ctx, st, "Matching runbook found; the plan will follow it.")
		}

		var past []string
		if err := e.callTyped(ctx, st, "planner", "recall_similar_incidents",
			map[string]interface{}{"query_text": query, "limit": recallLimit},
			func(ctx context.Context) (string, error) {
				out, err := e.memory.RecallSimilarIncidents(ctx, query, recallLimit, recallThreshold)
				if err != nil {
					return "", err
				}
				past = out
				return strings.Join(out, "\n---\n"), nil
			}); err != nil {
			e.log.Warn("incident recall failed", zap.String("session_id", st.SessionID), zap.Error(err))
		} else if len(past) > 0 {
			req.SimilarIncidents = past
			e.emit(ctx, st, fmt.Sprintf("Recalled %d similar past incidents.", len(past)))
		}
	}

	plan, err := e.oracle.DraftPlan(ctx, req)
	if err != nil {
		e.log.Warn("plan drafting failed, using escalation fallback",
			zap.String("session_id", st.SessionID), zap.Error(err))
		e.emit(ctx, st, fmt.Sprintf("Planner unavailable (%v); escalating for manual review.", err))
		plan = fallbackPlan()
	}
	st.Plan = &plan

	e.emit(ctx, st, fmt.Sprintf("Plan %s: %s (%d actions, risk %s).",
		plan.PlanID, plan.Hypothesis, len(plan.Actions), plan.Risk))
	return nil
}

// fallbackPlan is the plan of last resort: hand the incident to a human.
func fallbackPlan() models.RemediationPlan {
	return models.RemediationPlan{
		PlanID:     oracle.NewPlanID(time.Now()),
		Hypothesis: "Automated planning was unavailable for this incident.",
		Reasoning:  "The planning model could not be reached; escalating to a human operator is the only safe action.",
		Actions: []models.PlanAction{
			{ActionType: "escalate", Target: "manual_review"},
		},
		Risk:                models.RiskHigh,
		RequiresApproval:    true,
		VerificationMetrics: []string{"error_rate", "latency"},
	}
}
