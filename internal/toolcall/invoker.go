package toolcall

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/pkg/metrics"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/internal/tools"
)

const (
	maxAuditResultLen = 10000
	truncationMark    = "... (truncated)"
)

// Meta identifies who is calling and for which incident, for the audit row.
type Meta struct {
	IncidentID string
	AgentName  string
}

// Invoker composes the wrapper layers around every tool call:
// retry innermost, circuit breaker around the retried call, audit outermost.
type Invoker struct {
	store repository.Store
	log   *zap.Logger

	retryBase time.Duration
	retryCap  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// Option adjusts an Invoker at construction time.
type Option func(*Invoker)

// WithRetryBackoff overrides the exponential backoff bounds between retry
// attempts. Tests shrink them to keep failure paths fast.
func WithRetryBackoff(base, cap time.Duration) Option {
	return func(inv *Invoker) {
		inv.retryBase = base
		inv.retryCap = cap
	}
}

// NewInvoker builds the wrapper. store may be nil when auditing is not
// wanted (unit tests); all other layers still apply.
func NewInvoker(store repository.Store, log *zap.Logger, opts ...Option) *Invoker {
	inv := &Invoker{
		store:     store,
		log:       log,
		retryBase: defaultRetryBase,
		retryCap:  defaultRetryCap,
		breakers:  make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) breaker(tool string) *CircuitBreaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	cb, ok := inv.breakers[tool]
	if !ok {
		cb = NewCircuitBreaker(tool)
		inv.breakers[tool] = cb
	}
	return cb
}

// Call invokes the tool through retry, breaker, and audit. On failure the
// returned error is always a *ToolError; callers render it into findings via
// AgentResponse and carry on.
func (inv *Invoker) Call(ctx context.Context, meta Meta, tool tools.Tool, args map[string]interface{}) (string, error) {
	name := tool.Name()
	auditID := inv.beginAudit(ctx, meta, name, args)

	cb := inv.breaker(name)
	if !cb.Allow() {
		terr := newToolError(name, 0, ErrCircuitOpen)
		inv.finishAudit(ctx, auditID, models.ToolCallFailure, "", terr.ErrorMessage)
		metrics.ToolInvocationsTotal.WithLabelValues(name, "rejected").Inc()
		inv.log.Warn("tool call rejected by open breaker", zap.String("tool", name))
		return "", terr
	}

	result, err := doWithRetryValue(ctx, defaultRetryAttempts, inv.retryBase, inv.retryCap, func() (string, error) {
		return tool.Invoke(ctx, args)
	})
	cb.Record(err)

	if err != nil {
		terr := newToolError(name, defaultRetryAttempts, err)
		inv.finishAudit(ctx, auditID, models.ToolCallFailure, "", terr.ErrorMessage)
		metrics.ToolInvocationsTotal.WithLabelValues(name, "failure").Inc()
		inv.log.Warn("tool call failed",
			zap.String("tool", name),
			zap.String("incident_id", meta.IncidentID),
			zap.Error(err))
		return "", terr
	}

	inv.finishAudit(ctx, auditID, models.ToolCallSuccess, result, "")
	metrics.ToolInvocationsTotal.WithLabelValues(name, "success").Inc()
	return result, nil
}

// beginAudit writes the PENDING row. Audit failures never block the call.
func (inv *Invoker) beginAudit(ctx context.Context, meta Meta, tool string, args map[string]interface{}) string {
	if inv.store == nil {
		return ""
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	rec := &models.ToolCallRecord{
		IncidentID: meta.IncidentID,
		AgentName:  meta.AgentName,
		ToolName:   tool,
		ToolArgs:   string(argsJSON),
		Status:     models.ToolCallPending,
	}
	if err := inv.store.CreateToolCall(ctx, rec); err != nil {
		inv.log.Warn("tool call audit write failed", zap.String("tool", tool), zap.Error(err))
		return ""
	}
	return rec.ID
}

// finishAudit updates the PENDING row in place with the final outcome.
func (inv *Invoker) finishAudit(ctx context.Context, auditID, status, result, errMsg string) {
	if inv.store == nil || auditID == "" {
		return
	}
	var resultPtr, errPtr *string
	if result != "" {
		truncated := truncateResult(result)
		resultPtr = &truncated
	}
	if errMsg != "" {
		errPtr = &errMsg
	}
	if err := inv.store.FinishToolCall(ctx, auditID, status, resultPtr, errPtr); err != nil {
		inv.log.Warn("tool call audit update failed", zap.String("audit_id", auditID), zap.Error(err))
	}
}

func truncateResult(s string) string {
	if len(s) <= maxAuditResultLen {
		return s
	}
	return s[:maxAuditResultLen] + truncationMark
}

// AsToolError unwraps err into a *ToolError if it is one.
func AsToolError(err error) (*ToolError, bool) {
	terr, ok := err.(*ToolError)
	return terr, ok
}
