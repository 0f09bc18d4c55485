package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Investigator agent names. The reflector recommends re-runs by these
// names, so they are part of the session contract.
const (
	agentKubernetes = "kubernetes"
	agentMetrics    = "metrics"
	agentLogs       = "logs"
	agentGithub     = "github"
)

// runSwarm fans investigators out in parallel. Each one records a thought
// trace, gathers tool evidence through the invocation wrapper, and asks the
// oracle to condense it. Investigator errors never fail the phase: a broken
// tool is itself a finding.
func (e *Engine) runSwarm(ctx context.Context, st *State) error {
	agents := e.selectAgents(st)
	e.emit(ctx, st, fmt.Sprintf("Dispatching investigators: %s (pass %d).",
		strings.Join(agents, ", "), st.InvestigationCount+1))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		g.Go(func() error {
			thought, summary := e.investigate(gctx, st, agent)
			mu.Lock()
			st.Findings[agent] = summary
			if thought != "" {
				st.Thoughts[agent] = thought
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.InvestigationCount++
	st.RecommendedAgents = nil
	return nil
}

// selectAgents picks the investigators for this pass: the reflector's
// recommendations when re-running, otherwise the standard trio plus github
// when the alert hints at a deployment change.
func (e *Engine) selectAgents(st *State) []string {
	if len(st.RecommendedAgents) > 0 {
		known := map[string]bool{agentKubernetes: true, agentMetrics: true, agentLogs: true, agentGithub: true}
		agents := []string{}
		for _, a := range st.RecommendedAgents {
			if known[strings.ToLower(a)] {
				agents = append(agents, strings.ToLower(a))
			}
		}
		if len(agents) > 0 {
			return agents
		}
	}

	agents := []string{agentKubernetes, agentMetrics, agentLogs}
	if hasGithubHint(st) {
		agents = append(agents, agentGithub)
	}
	return agents
}

// hasGithubHint reports whether the alert points at a code change worth a
// commit-history investigation.
func hasGithubHint(st *State) bool {
	for _, key := range []string{"commit", "commit_sha", "repo", "repository"} {
		if st.Alert.Labels[key] != "" || st.Alert.Annotations[key] != "" {
			return true
		}
	}
	desc := strings.ToLower(st.Alert.Description)
	return strings.Contains(desc, "deploy") || strings.Contains(desc, "release") || strings.Contains(desc, "rollout")
}

// investigate runs one agent's pass and returns its thought (the question
// it set out to answer, kept in State for the session record) and the
// summarized findings.
func (e *Engine) investigate(ctx context.Context, st *State, agent string) (string, string) {
	ns := st.Alert.Labels["namespace"]
	if ns == "" {
		ns = "default"
	}

	var question string
	var evidence []string
	collect := func(tool string, args map[string]interface{}) {
		evidence = append(evidence, e.callTool(ctx, st, agent, tool, args))
	}

	switch agent {
	case agentKubernetes:
		question = fmt.Sprintf("What is the workload state in namespace %s during alert %s?", ns, st.Alert.AlertName)
		e.emit(ctx, st, fmt.Sprintf("[%s] Checking pods and events in namespace %s.", agent, ns))
		collect("get_pods", map[string]interface{}{"namespace": ns})
		collect("get_events", map[string]interface{}{"namespace": ns})
		if dep := st.Alert.Labels["deployment"]; dep != "" {
			collect("get_deployment_status", map[string]interface{}{"namespace": ns, "deployment_name": dep})
		}

	case agentMetrics:
		question = fmt.Sprintf("What do the metrics show around alert %s?", st.Alert.AlertName)
		e.emit(ctx, st, fmt.Sprintf("[%s] Sampling golden signals and the alerting metric.", agent))
		collect("get_golden_signals", map[string]interface{}{})
		if query := buildAlertQuery(st.Alert); query != "" {
			collect("query_metrics", map[string]interface{}{"query": query})
		}

	case agentLogs:
		question = fmt.Sprintf("What do recent error logs in namespace %s show?", ns)
		e.emit(ctx, st, fmt.Sprintf("[%s] Pulling recent error logs from namespace %s.", agent, ns))
		collect("get_error_logs", map[string]interface{}{"namespace": ns})

	case agentGithub:
		question = "Did a recent code change cause this alert?"
		e.emit(ctx, st, fmt.Sprintf("[%s] Reviewing recent commits for a suspect change.", agent))
		collect("get_recent_commits", map[string]interface{}{})

	default:
		return "", fmt.Sprintf("Unknown investigator %q; nothing collected.", agent)
	}

	summary, err := e.oracle.SummarizeFindings(ctx, agent, question, strings.Join(evidence, "\n\n"))
	if err != nil {
		e.log.Warn("findings summary failed, keeping raw evidence",
			zap.String("agent", agent), zap.Error(err))
		return question, fmt.Sprintf("Summary unavailable (%v). Raw evidence:\n%s", err, strings.Join(evidence, "\n\n"))
	}
	return question, summary
}
