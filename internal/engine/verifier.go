package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
)

// Labels that identify the alert rather than the measured series; they are
// stripped when rebuilding the PromQL selector.
var nonSelectorLabels = map[string]bool{
	"alertname": true,
	"severity":  true,
	"threshold": true,
	"__name__":  true,
}

// runVerifier closes the loop: re-measure the alerting metric after the
// remediation settles and compare against the threshold. Verification never
// fails the run; a dark Prometheus produces an unresolved result with
// unknown signals instead.
func (e *Engine) runVerifier(ctx context.Context, st *State) error {
	if st.Execution != nil && (st.Execution.Status == "ABORTED" || st.Execution.Status == "FAILED") {
		e.emit(ctx, st, fmt.Sprintf("Execution %s; skipping verification.", st.Execution.Status))
		return nil
	}

	metric := metricFromAlert(st.Alert)
	threshold := thresholdFromAlert(st.Alert)
	query := buildAlertQuery(st.Alert)
	result := &models.VerificationResult{Metric: metric, Threshold: threshold}

	if e.prom == nil {
		e.emit(ctx, st, "No metrics backend configured; verification limited to execution status.")
		result.NextSteps = unresolvedNextSteps()
		result.GoldenSignals = unknownSignals()
		result.Timestamp = time.Now().UTC()
		st.Verification = result
		return nil
	}

	// Metric reads go through the invocation wrapper under the registered
	// tool names, so they are retried, breaker-guarded, and audited like
	// any swarm tool call.
	var original float64
	origErr := e.callTyped(ctx, st, "verifier", "query_metrics",
		map[string]interface{}{"query": query, "at": st.Alert.StartsAt},
		func(ctx context.Context) (string, error) {
			v, err := e.prom.Query(ctx, query, parseStartsAt(st.Alert.StartsAt))
			if err != nil {
				return "", err
			}
			original = v
			return fmt.Sprintf("%s = %g", query, v), nil
		})
	if origErr != nil {
		e.log.Warn("baseline query failed", zap.String("query", query), zap.Error(origErr))
	} else {
		result.OriginalValue = original
	}

	e.emit(ctx, st, fmt.Sprintf("Waiting %s for %s to settle.", e.verificationWait, metric))
	select {
	case <-time.After(e.verificationWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	var current float64
	curErr := e.callTyped(ctx, st, "verifier", "query_metrics",
		map[string]interface{}{"query": query},
		func(ctx context.Context) (string, error) {
			v, err := e.prom.Query(ctx, query, time.Time{})
			if err != nil {
				return "", err
			}
			current = v
			return fmt.Sprintf("%s = %g", query, v), nil
		})
	if curErr != nil {
		e.log.Warn("verification query failed", zap.String("query", query), zap.Error(curErr))
		e.emit(ctx, st, fmt.Sprintf("Could not re-measure %s; marking unresolved.", metric))
		result.NextSteps = unresolvedNextSteps()
		result.GoldenSignals = unknownSignals()
		result.Timestamp = time.Now().UTC()
		st.Verification = result
		return nil
	}
	result.CurrentValue = current

	if origErr == nil && original > 0 {
		result.ImprovementPercent = (original - current) / original * 100
	}
	result.Resolved = current < threshold

	var gs models.GoldenSignals
	if err := e.callTyped(ctx, st, "verifier", "get_golden_signals", map[string]interface{}{},
		func(ctx context.Context) (string, error) {
			g, err := e.prom.GoldenSignals(ctx)
			if err != nil {
				return "", err
			}
			gs = g
			return fmt.Sprintf("latency=%s errors=%s saturation=%s",
				g.LatencyStatus, g.ErrorStatus, g.SaturationStatus), nil
		}); err != nil {
		e.log.Warn("golden signals unavailable", zap.Error(err))
		result.GoldenSignals = unknownSignals()
	} else {
		result.GoldenSignals = gs
	}

	if result.Resolved {
		e.emit(ctx, st, fmt.Sprintf("Verified: %s is %.4f, below threshold %.4f (%.1f%% improvement).",
			metric, current, threshold, result.ImprovementPercent))
	} else {
		result.NextSteps = unresolvedNextSteps()
		e.emit(ctx, st, fmt.Sprintf("Not resolved: %s is %.4f, threshold %.4f.", metric, current, threshold))
	}
	result.Timestamp = time.Now().UTC()
	st.Verification = result
	return nil
}

// metricFromAlert picks the series to verify: explicit labels first, then a
// guess from the alert name, then the alert name itself.
func metricFromAlert(alert models.AlertContext) string {
	if m := alert.Labels["metric"]; m != "" {
		return m
	}
	if m := alert.Labels["__name__"]; m != "" {
		return m
	}
	name := strings.ToLower(alert.AlertName)
	switch {
	case strings.Contains(name, "cpu"):
		return "cpu_usage"
	case strings.Contains(name, "memory"):
		return "memory_usage"
	case strings.Contains(name, "latency"), strings.Contains(name, "response"):
		return "http_request_duration_seconds"
	case strings.Contains(name, "error"):
		return "http_requests_total"
	}
	return alert.AlertName
}

// thresholdFromAlert reads the numeric threshold from annotations, then
// labels. Absent a threshold the verifier cannot declare resolution, so
// zero is returned and the result stays unresolved.
func thresholdFromAlert(alert models.AlertContext) float64 {
	for _, src := range []map[string]string{alert.Annotations, alert.Labels} {
		if raw, ok := src["threshold"]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v
			}
		}
	}
	return 0
}

// buildAlertQuery reconstructs an instant query for the alerting series
// from the metric name and the remaining alert labels.
func buildAlertQuery(alert models.AlertContext) string {
	metric := metricFromAlert(alert)

	keys := make([]string, 0, len(alert.Labels))
	for k := range alert.Labels {
		if !nonSelectorLabels[k] && alert.Labels[k] != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return metric
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, alert.Labels[k]))
	}
	return metric + "{" + strings.Join(parts, ",") + "}"
}

func parseStartsAt(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func unknownSignals() models.GoldenSignals {
	return models.GoldenSignals{
		LatencyStatus:    "unknown",
		ErrorStatus:      "unknown",
		SaturationStatus: "unknown",
	}
}

func unresolvedNextSteps() []string {
	return []string{"Monitor for 10 minutes", "Consider additional remediation"}
}
