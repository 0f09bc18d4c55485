// Package policy is the deterministic safety gate between the planner and
// the executor. No model output can bypass it: every plan action is judged
// by fixed rules before anything touches a cluster.
package policy

import (
	"fmt"
	"strings"

	"github.com/arbiterops/arbiter/internal/models"
)

// Decision is the gate's verdict for one action.
type Decision struct {
	Action  models.PlanAction `json:"action"`
	Allowed bool              `json:"allowed"`
	Reason  string            `json:"reason"`
}

// Evaluation is the verdict for a whole plan.
type Evaluation struct {
	RiskScore      float64    `json:"risk_score"`
	Environment    string     `json:"environment"`
	Decisions      []Decision `json:"decisions"`
	BlockedActions []string   `json:"blocked_actions"`
}

// Allowed reports whether every action passed.
func (e Evaluation) Allowed() bool {
	return len(e.BlockedActions) == 0
}

// EnvironmentFromContext resolves the deployment environment from alert
// labels: environment, then env, then namespace. Unknown defaults to
// production, the conservative choice.
func EnvironmentFromContext(labels map[string]string) string {
	for _, key := range []string{"environment", "env", "namespace"} {
		if v, ok := labels[key]; ok && v != "" {
			return strings.ToLower(v)
		}
	}
	return "production"
}

func isProduction(env string) bool {
	return strings.Contains(env, "prod")
}

func isDangerous(actionType string) bool {
	for _, prefix := range []string{"restart", "rollback", "delete"} {
		if strings.HasPrefix(actionType, prefix) {
			return true
		}
	}
	return false
}

// RiskScore computes the plan's deterministic risk on a 0-10 scale.
// Base from the oracle's own risk assessment, bumped for breadth and for
// each inherently dangerous action.
func RiskScore(plan models.RemediationPlan) float64 {
	var score float64
	switch plan.Risk {
	case models.RiskLow:
		score = 2
	case models.RiskMedium:
		score = 5
	case models.RiskHigh:
		score = 8
	default:
		score = 5
	}

	if len(plan.Actions) > 3 {
		score++
	}
	if len(plan.Actions) > 5 {
		score++
	}
	for _, a := range plan.Actions {
		if isDangerous(strings.ToLower(a.ActionType)) {
			score += 0.5
		}
	}
	if score > 10 {
		score = 10
	}
	return score
}

// EvaluateAction applies the rule set to a single action.
func EvaluateAction(action models.PlanAction, env string, riskScore float64) Decision {
	actionType := strings.ToLower(action.ActionType)

	if !isProduction(env) {
		return Decision{Action: action, Allowed: true,
			Reason: fmt.Sprintf("environment %q is non-production; action permitted", env)}
	}

	switch {
	case strings.HasPrefix(actionType, "delete"):
		return Decision{Action: action, Allowed: false,
			Reason: "delete actions are never auto-approved on production"}

	case strings.HasPrefix(actionType, "restart"):
		if riskScore >= 3 {
			return Decision{Action: action, Allowed: false,
				Reason: fmt.Sprintf("restart blocked on production: risk score %.1f >= 3", riskScore)}
		}
		return Decision{Action: action, Allowed: true,
			Reason: fmt.Sprintf("restart permitted on production: risk score %.1f < 3", riskScore)}

	case strings.HasPrefix(actionType, "scale"):
		if replicas, ok := numericParam(action.Parameters, "replicas"); ok && replicas == 0 {
			return Decision{Action: action, Allowed: false,
				Reason: "scaling to zero replicas is blocked on production"}
		}
		return Decision{Action: action, Allowed: true, Reason: "scale action permitted"}

	case strings.HasPrefix(actionType, "rollback"):
		if explicit, _ := action.Parameters["explicit_approval"].(bool); explicit {
			return Decision{Action: action, Allowed: true,
				Reason: "rollback permitted: explicit_approval set"}
		}
		return Decision{Action: action, Allowed: false,
			Reason: "rollback on production requires explicit_approval=true"}
	}

	return Decision{Action: action, Allowed: true, Reason: "no blocking rule matched"}
}

// Evaluate judges a full plan against the environment derived from the alert.
func Evaluate(plan models.RemediationPlan, labels map[string]string) Evaluation {
	env := EnvironmentFromContext(labels)
	score := RiskScore(plan)

	eval := Evaluation{
		RiskScore:   score,
		Environment: env,
	}
	for _, action := range plan.Actions {
		d := EvaluateAction(action, env, score)
		eval.Decisions = append(eval.Decisions, d)
		if !d.Allowed {
			eval.BlockedActions = append(eval.BlockedActions, action.ActionType+" "+action.Target)
		}
	}
	return eval
}

func numericParam(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
