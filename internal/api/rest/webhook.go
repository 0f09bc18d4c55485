package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/pkg/logger"
)

// alertmanagerPayload is the subset of the Alertmanager webhook format the
// ingestion path reads.
type alertmanagerPayload struct {
	Alerts []struct {
		Status      string            `json:"status"`
		Labels      map[string]string `json:"labels"`
		Annotations map[string]string `json:"annotations"`
		StartsAt    string            `json:"startsAt"`
	} `json:"alerts"`
}

// AlertWebhook handles POST /webhook/alert/{cluster_id}. Accepted alerts
// return 202 immediately; the investigation runs asynchronously on the
// cluster's agent via the job queue. Resolved notifications are dropped.
func (h *Handler) AlertWebhook(w http.ResponseWriter, r *http.Request) {
	clusterID := mux.Vars(r)["cluster_id"]
	reqID := logger.FromContext(r.Context())

	var payload alertmanagerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"Invalid Alertmanager payload", reqID)
		return
	}

	accepted := []map[string]string{}
	for _, a := range payload.Alerts {
		if a.Status == "resolved" {
			continue
		}
		alert := models.AlertContext{
			AlertName:   a.Labels["alertname"],
			Severity:    a.Labels["severity"],
			Description: a.Annotations["description"],
			StartsAt:    a.StartsAt,
			Labels:      a.Labels,
			Annotations: a.Annotations,
		}
		inc, job, err := h.svc.IngestAlert(r.Context(), clusterID, alert)
		if err != nil {
			respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
				"cluster not found", reqID)
			return
		}
		accepted = append(accepted, map[string]string{
			"alert":       alert.AlertName,
			"incident_id": inc.ID,
			"job_id":      job.ID,
		})
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": accepted,
	})
}
