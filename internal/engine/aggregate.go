package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/oracle"
)

// runAggregate composes the final incident report and persists the incident
// outcome. A dead oracle degrades to a templated report; the run still
// completes.
func (e *Engine) runAggregate(ctx context.Context, st *State) error {
	e.emit(ctx, st, "Composing final incident report.")

	report, err := e.oracle.ComposeReport(ctx, oracle.ReportRequest{
		Alert:        st.Alert,
		Findings:     st.Findings,
		Plan:         st.Plan,
		Execution:    st.Execution,
		Verification: st.Verification,
	})
	if err != nil {
		e.log.Warn("report composition failed, using template",
			zap.String("session_id", st.SessionID), zap.Error(err))
		report = templateReport(st)
	}
	st.Report = report

	e.persistIncidentOutcome(ctx, st)
	e.emit(ctx, st, "Investigation Complete.")
	return nil
}

// templateReport is the no-oracle fallback report.
func templateReport(st *State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Incident report: %s\n\n", st.Alert.AlertName)

	sb.WriteString("## Findings\n")
	for agent, finding := range st.Findings {
		fmt.Fprintf(&sb, "### %s\n%s\n\n", agent, finding)
	}
	if st.Plan != nil {
		fmt.Fprintf(&sb, "## Hypothesis\n%s\n\n%s\n\n", st.Plan.Hypothesis, st.Plan.Reasoning)
	}
	if st.Execution != nil {
		fmt.Fprintf(&sb, "## Execution\nStatus %s with %d actions.\n\n", st.Execution.Status, len(st.Execution.Actions))
	}
	if st.Verification != nil {
		fmt.Fprintf(&sb, "## Verification\nResolved: %v (%s %.4f vs threshold %.4f).\n",
			st.Verification.Resolved, st.Verification.Metric,
			st.Verification.CurrentValue, st.Verification.Threshold)
	}
	return sb.String()
}

// persistIncidentOutcome writes the summary and final status onto the
// incident row, when this run is tied to one.
func (e *Engine) persistIncidentOutcome(ctx context.Context, st *State) {
	if e.store == nil || st.IncidentID == "" {
		return
	}
	status := models.IncidentInvestigating
	if st.Verification != nil && st.Verification.Resolved {
		status = models.IncidentResolved
	}
	summary := st.Report
	if len(summary) > 2000 {
		summary = summary[:2000]
	}
	if err := e.store.UpdateIncidentStatus(ctx, st.IncidentID, status, summary); err != nil {
		e.log.Warn("incident outcome not persisted",
			zap.String("incident_id", st.IncidentID), zap.Error(err))
	}
}
