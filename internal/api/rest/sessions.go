package rest

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/api/middleware"
	"github.com/arbiterops/arbiter/internal/engine"
	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/pkg/logger"
)

// SessionState handles GET /api/v1/sessions/{session_id}: the mission
// control view of a running or paused investigation.
func (h *Handler) SessionState(w http.ResponseWriter, r *http.Request) {
	h.sessionState(w, r, true)
}

// AgentSessionState handles GET /agent/state/{session_id}: the agent's own
// view of a session, used to re-read state after a restart.
func (h *Handler) AgentSessionState(w http.ResponseWriter, r *http.Request) {
	h.sessionState(w, r, false)
}

func (h *Handler) sessionState(w http.ResponseWriter, r *http.Request, orgScoped bool) {
	sessionID := mux.Vars(r)["session_id"]

	doc := h.sessions.Get(r.Context(), sessionID)
	if doc == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"session not found or expired", logger.FromContext(r.Context()))
		return
	}
	if orgScoped && !h.orgOwnsSession(r, doc) {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"session not found or expired", logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// SessionLogs handles GET /api/v1/sessions/{session_id}/logs
func (h *Handler) SessionLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"logs":       h.sessions.GetLogs(r.Context(), sessionID),
	})
}

// ApproveSession handles POST /api/v1/approve/{session_id}: a human signs
// off on a paused plan. The resume itself runs on the cluster's agent, so
// approval enqueues a remediation job pointing back at the session.
func (h *Handler) ApproveSession(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	sessionID := mux.Vars(r)["session_id"]
	reqID := logger.FromContext(r.Context())

	doc := h.sessions.Get(r.Context(), sessionID)
	if doc == nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"session not found or expired", reqID)
		return
	}
	if status, _ := doc["status"].(string); status != engine.StatusWaitingApproval {
		respondErrorWithCode(w, http.StatusConflict, ErrCodeConflict,
			fmt.Sprintf("session is %s, not waiting for approval", status), reqID)
		return
	}
	if consumed, _ := doc["approval_consumed"].(bool); consumed {
		respondErrorWithCode(w, http.StatusConflict, ErrCodeConflict,
			"approval already submitted for this session", reqID)
		return
	}

	raw, _ := doc["state"].(string)
	st, err := engine.UnmarshalState(raw)
	if err != nil {
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"session state unreadable", reqID)
		return
	}

	payload := fmt.Sprintf(`{"session_id":%q,"resume":true}`, sessionID)
	job, err := h.svc.Trigger(r.Context(), org.ID, st.ClusterID, models.JobRemediation, &payload)
	if err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"session cluster not found", reqID)
		return
	}

	// One approval, one remediation job. The session stays WAITING_APPROVAL
	// for the agent-side resume; the consumed flag blocks a second enqueue.
	doc["approval_consumed"] = true
	h.sessions.Set(r.Context(), sessionID, doc)

	detail := "plan approved for session " + sessionID
	ev := &models.AuditEvent{
		ClusterID:      st.ClusterID,
		ActorType:      models.ActorUser,
		ActorID:        org.ID,
		ActionType:     "PLAN_APPROVAL",
		ResourceTarget: sessionID,
		Outcome:        models.OutcomeSuccess,
		Details:        &detail,
	}
	if err := h.store.CreateAuditEvent(r.Context(), ev); err != nil {
		h.log.Warn("approval audit failed", zap.Error(err))
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": sessionID,
		"job_id":     job.ID,
		"message":    "approval accepted; remediation resumes on the cluster agent",
	})
}

// ListIncidents handles GET /api/v1/clusters/{id}/incidents
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	incidents, err := h.store.ListIncidents(r.Context(), cluster.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, incidents)
}

// GetIncident handles GET /api/v1/incidents/{id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// IncidentLogs handles GET /api/v1/incidents/{id}/logs: the merged
// timeline of audited tool calls and the live session log stream. The
// session defaults to the incident ID, which is how alert-driven runs are
// keyed; ?session_id= overrides it for manually triggered sessions.
func (h *Handler) IncidentLogs(w http.ResponseWriter, r *http.Request) {
	inc, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	calls, err := h.store.ListToolCalls(r.Context(), inc.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	lines := make([]string, 0, len(calls))
	for i := len(calls) - 1; i >= 0; i-- { // stored newest first; render oldest first
		c := calls[i]
		line := fmt.Sprintf("[%s] %s/%s %s", c.Timestamp.Format("2006-01-02T15:04:05Z"), c.AgentName, c.ToolName, c.Status)
		if c.ErrorMessage != nil {
			line += ": " + *c.ErrorMessage
		}
		lines = append(lines, line)
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = inc.ID
	}
	lines = append(lines, h.sessions.GetLogs(r.Context(), sessionID)...)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"incident_id": inc.ID,
		"logs":        lines,
		"tool_calls":  calls,
	})
}

func (h *Handler) ownedIncident(w http.ResponseWriter, r *http.Request) (*models.Incident, bool) {
	org := middleware.OrgFromContext(r.Context())
	id := mux.Vars(r)["id"]
	reqID := logger.FromContext(r.Context())

	inc, err := h.store.GetIncident(r.Context(), id)
	if err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "incident not found", reqID)
		return nil, false
	}
	cluster, err := h.store.GetCluster(r.Context(), inc.ClusterID)
	if err != nil || cluster.OrgID != org.ID {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, "incident not found", reqID)
		return nil, false
	}
	return inc, true
}

// orgOwnsSession checks the serialized state's cluster against the caller.
func (h *Handler) orgOwnsSession(r *http.Request, doc map[string]interface{}) bool {
	org := middleware.OrgFromContext(r.Context())
	raw, _ := doc["state"].(string)
	st, err := engine.UnmarshalState(raw)
	if err != nil {
		return false
	}
	cluster, err := h.store.GetCluster(r.Context(), st.ClusterID)
	return err == nil && cluster.OrgID == org.ID
}
