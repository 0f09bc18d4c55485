package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arbiterops/arbiter/internal/api/middleware"
	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/pkg/logger"
	"github.com/arbiterops/arbiter/internal/repository"
)

// TriggerJob handles POST /api/v1/clusters/{id}/jobs
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	clusterID := mux.Vars(r)["id"]

	var req struct {
		JobType models.JobType  `json:"job_type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"Invalid request body", logger.FromContext(r.Context()))
		return
	}

	var payload *string
	if len(req.Payload) > 0 {
		p := string(req.Payload)
		payload = &p
	}

	job, err := h.svc.Trigger(r.Context(), org.ID, clusterID, req.JobType, payload)
	if errors.Is(err, repository.ErrNotFound) {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"cluster not found", logger.FromContext(r.Context()))
		return
	}
	if err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			err.Error(), logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /api/v1/clusters/{id}/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	clusterID := mux.Vars(r)["id"]

	jobs, err := h.svc.JobsForCluster(r.Context(), org.ID, clusterID)
	if errors.Is(err, repository.ErrNotFound) {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"cluster not found", logger.FromContext(r.Context()))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrgFromContext(r.Context())
	id := mux.Vars(r)["id"]

	job, err := h.svc.JobForOrg(r.Context(), org.ID, id)
	if err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"job not found", logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ClaimJob handles GET /agent/jobs/pending. 204 when the queue is empty.
func (h *Handler) ClaimJob(w http.ResponseWriter, r *http.Request) {
	cluster := middleware.ClusterFromContext(r.Context())

	job, err := h.svc.Claim(r.Context(), cluster.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ReportJobStatus handles POST /agent/jobs/{id}/status
func (h *Handler) ReportJobStatus(w http.ResponseWriter, r *http.Request) {
	cluster := middleware.ClusterFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var upd models.JobStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil || upd.Status == "" {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"status is required", logger.FromContext(r.Context()))
		return
	}

	job, err := h.svc.Report(r.Context(), cluster.ID, id, upd)
	if errors.Is(err, repository.ErrNotFound) {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"job not found", logger.FromContext(r.Context()))
		return
	}
	if err != nil {
		// Terminal jobs reject further updates.
		respondErrorWithCode(w, http.StatusConflict, ErrCodeConflict,
			err.Error(), logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// AppendJobLogs handles POST /agent/jobs/{id}/logs
func (h *Handler) AppendJobLogs(w http.ResponseWriter, r *http.Request) {
	cluster := middleware.ClusterFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req struct {
		Logs string `json:"logs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"Invalid request body", logger.FromContext(r.Context()))
		return
	}

	if err := h.svc.AppendLogs(r.Context(), cluster.ID, id, req.Logs); err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"job not found", logger.FromContext(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "logs appended"})
}

// Heartbeat handles POST /agent/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	cluster := middleware.ClusterFromContext(r.Context())
	if err := h.svc.Heartbeat(r.Context(), cluster.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReceiveTelemetry handles POST /agent/telemetry. The payload is
// acknowledged and discarded; forwarding to an observability stack is a
// later phase.
func (h *Handler) ReceiveTelemetry(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
