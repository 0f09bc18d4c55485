package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/api/middleware"
	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/pkg/logger"
	"github.com/arbiterops/arbiter/internal/repository"
)

// RegisterCluster handles POST /api/v1/clusters. The agent token is
// returned exactly once, in this response.
func (h *Handler) RegisterCluster(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"name is required", logger.FromContext(r.Context()))
		return
	}

	cluster := &models.Cluster{OrgID: org.ID, Name: req.Name}
	if err := h.store.CreateCluster(r.Context(), cluster); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"cluster": cluster,
		"token":   cluster.Token,
	})
}

// ListClusters handles GET /api/v1/clusters
func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())

	clusters, err := h.store.ListClusters(r.Context(), org.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, clusters)
}

// GetCluster handles GET /api/v1/clusters/{id}
func (h *Handler) GetCluster(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, cluster)
}

// ClusterHealth handles GET /api/v1/clusters/{id}/health: connectivity as
// derived from agent heartbeats.
func (h *Handler) ClusterHealth(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cluster_id":     cluster.ID,
		"status":         cluster.Status,
		"last_heartbeat": cluster.LastHeartbeat,
	})
}

// RemoveCluster handles DELETE /api/v1/clusters/{id}. Audit events for the
// cluster are retained.
func (h *Handler) RemoveCluster(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteCluster(r.Context(), id, org.ID); err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"cluster not found", logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Cluster removed"})
}

// GetClusterLock handles GET /api/v1/clusters/{id}/lock
func (h *Handler) GetClusterLock(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cluster_id": cluster.ID,
		"locked":     h.sessions.IsClusterLocked(r.Context(), cluster.ID),
	})
}

// SetClusterLock handles POST /api/v1/clusters/{id}/lock: the break-glass
// switch. Toggles are audited as operator actions.
func (h *Handler) SetClusterLock(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}

	var req struct {
		Locked bool `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"Invalid request body", logger.FromContext(r.Context()))
		return
	}

	outcome := models.OutcomeSuccess
	if !h.sessions.SetClusterLock(r.Context(), cluster.ID, req.Locked) {
		outcome = models.OutcomeFailed
	}

	detail := "locked"
	if !req.Locked {
		detail = "unlocked"
	}
	ev := &models.AuditEvent{
		ClusterID:      cluster.ID,
		ActorType:      models.ActorUser,
		ActorID:        org.ID,
		ActionType:     "EMERGENCY_LOCK_TOGGLE",
		ResourceTarget: cluster.ID,
		Outcome:        outcome,
		Details:        &detail,
	}
	if err := h.store.CreateAuditEvent(r.Context(), ev); err != nil {
		h.log.Warn("lock toggle audit failed", zap.Error(err))
	}

	if outcome == models.OutcomeFailed {
		respondErrorWithCode(w, http.StatusServiceUnavailable, ErrCodeUpstreamDown,
			"lock state unavailable", logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cluster_id": cluster.ID,
		"locked":     req.Locked,
	})
}

// ListAuditEvents handles GET /api/v1/clusters/{id}/audit
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	cluster, ok := h.ownedCluster(w, r)
	if !ok {
		return
	}
	events, err := h.store.ListAuditEvents(r.Context(), cluster.ID, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// ownedCluster resolves the {id} cluster and enforces org ownership.
// Foreign clusters read as not found.
func (h *Handler) ownedCluster(w http.ResponseWriter, r *http.Request) (*models.Cluster, bool) {
	org := middleware.OrgFromContext(r.Context())
	id := mux.Vars(r)["id"]

	cluster, err := h.store.GetCluster(r.Context(), id)
	if err != nil || cluster.OrgID != org.ID {
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return nil, false
		}
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"cluster not found", logger.FromContext(r.Context()))
		return nil, false
	}
	return cluster, true
}
