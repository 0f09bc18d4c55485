package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// runReflector has the oracle critique the merged findings and decide
// whether another swarm pass is worth it. The loop-back branch lives in
// State.Next; this phase only records the critique.
func (e *Engine) runReflector(ctx context.Context, st *State) error {
	e.emit(ctx, st, "Reviewing findings for gaps and inconsistencies.")

	reflection, err := e.oracle.Reflect(ctx, st.Findings)
	if err != nil {
		// A dead oracle here is not fatal: proceed to planning on what we
		// have rather than abandoning the incident.
		e.log.Warn("reflection failed, proceeding to planner",
			zap.String("session_id", st.SessionID), zap.Error(err))
		e.emit(ctx, st, fmt.Sprintf("Reflection unavailable (%v); proceeding with current findings.", err))
		st.Reflection = nil
		return nil
	}
	st.Reflection = &reflection

	if reflection.Hypothesis != "" {
		e.emit(ctx, st, fmt.Sprintf("Working hypothesis (confidence %.2f): %s",
			reflection.Confidence, reflection.Hypothesis))
	}

	if st.shouldInvestigateDeeper() {
		st.RecommendedAgents = reflection.RecommendedAgents
		e.emit(ctx, st, fmt.Sprintf("Deeper investigation requested: %s.",
			strings.Join(reflection.RecommendedAgents, ", ")))
	} else if reflection.RequiresDeeperInvestigation {
		e.emit(ctx, st, fmt.Sprintf("Investigation budget exhausted after %d passes; planning with current findings.",
			st.InvestigationCount))
	} else {
		e.emit(ctx, st, "Findings judged sufficient; moving to planning.")
	}
	return nil
}
