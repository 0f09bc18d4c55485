package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterops/arbiter/internal/policy"
)

// runPrepare normalizes the alert context so every later phase can rely on
// the maps being present and the environment being resolved.
func (e *Engine) runPrepare(ctx context.Context, st *State) error {
	if st.Alert.Labels == nil {
		st.Alert.Labels = map[string]string{}
	}
	if st.Alert.Annotations == nil {
		st.Alert.Annotations = map[string]string{}
	}
	if st.Alert.AlertName == "" {
		st.Alert.AlertName = st.Alert.Labels["alertname"]
	}
	if st.Alert.AlertName == "" {
		st.Alert.AlertName = "UnknownAlert"
	}
	if st.Alert.Severity == "" {
		st.Alert.Severity = st.Alert.Labels["severity"]
	}
	if st.Alert.Severity == "" {
		st.Alert.Severity = "warning"
	}
	if st.Alert.Description == "" {
		st.Alert.Description = st.Alert.Annotations["description"]
	}
	if st.Alert.StartsAt == "" {
		st.Alert.StartsAt = time.Now().UTC().Format(time.RFC3339)
	}

	env := policy.EnvironmentFromContext(st.Alert.Labels)
	st.InvestigationCount = 0

	e.emit(ctx, st, fmt.Sprintf("Investigation started: alert %s (severity %s, environment %s).",
		st.Alert.AlertName, st.Alert.Severity, env))
	return nil
}
