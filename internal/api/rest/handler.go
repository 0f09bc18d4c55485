// Package rest exposes the control-plane HTTP API: org-facing cluster and
// job management, agent-facing queue endpoints, alert ingestion, and the
// mission-control session views.
package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/api/middleware"
	"github.com/arbiterops/arbiter/internal/dispatcher"
	"github.com/arbiterops/arbiter/internal/repository"
	"github.com/arbiterops/arbiter/internal/statestore"
)

// Handler manages HTTP request handlers
type Handler struct {
	svc      *dispatcher.Service
	store    repository.Store
	sessions *statestore.Store
	log      *zap.Logger

	// promURL is the metrics snapshot upstream; empty disables the endpoint.
	promURL string
	hc      *http.Client
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *dispatcher.Service, store repository.Store, sessions *statestore.Store, promURL string, log *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		store:    store,
		sessions: sessions,
		log:      log,
		promURL:  promURL,
		hc:       &http.Client{Timeout: 5 * time.Second},
	}
}

// SetupRoutes configures API routes
func SetupRoutes(router *mux.Router, h *Handler) {
	// Health check and alert ingestion are unauthenticated.
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/webhook/alert/{cluster_id}", h.AlertWebhook).Methods("POST")

	// Agent routes: cluster-token auth.
	agent := router.PathPrefix("/agent").Subrouter()
	agent.Use(middleware.ClusterAuth(h.store))
	agent.HandleFunc("/jobs/pending", h.ClaimJob).Methods("GET")
	agent.HandleFunc("/jobs/{id}/status", h.ReportJobStatus).Methods("POST")
	agent.HandleFunc("/jobs/{id}/logs", h.AppendJobLogs).Methods("POST")
	agent.HandleFunc("/heartbeat", h.Heartbeat).Methods("POST")
	agent.HandleFunc("/telemetry", h.ReceiveTelemetry).Methods("POST")
	agent.HandleFunc("/state/{session_id}", h.AgentSessionState).Methods("GET")

	// Org routes: API-key auth.
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.OrgAuth(h.store))
	api.HandleFunc("/clusters", h.ListClusters).Methods("GET")
	api.HandleFunc("/clusters", h.RegisterCluster).Methods("POST")
	api.HandleFunc("/clusters/{id}", h.GetCluster).Methods("GET")
	api.HandleFunc("/clusters/{id}", h.RemoveCluster).Methods("DELETE")
	api.HandleFunc("/clusters/{id}/health", h.ClusterHealth).Methods("GET")
	api.HandleFunc("/clusters/{id}/lock", h.GetClusterLock).Methods("GET")
	api.HandleFunc("/clusters/{id}/lock", h.SetClusterLock).Methods("POST")
	api.HandleFunc("/clusters/{id}/jobs", h.TriggerJob).Methods("POST")
	api.HandleFunc("/clusters/{id}/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/clusters/{id}/incidents", h.ListIncidents).Methods("GET")
	api.HandleFunc("/clusters/{id}/audit", h.ListAuditEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/incidents/{id}", h.GetIncident).Methods("GET")
	api.HandleFunc("/incidents/{id}/logs", h.IncidentLogs).Methods("GET")
	api.HandleFunc("/sessions/{session_id}", h.SessionState).Methods("GET")
	api.HandleFunc("/sessions/{session_id}/logs", h.SessionLogs).Methods("GET")
	api.HandleFunc("/sessions/{session_id}/logs/stream", h.StreamSessionLogs).Methods("GET")
	api.HandleFunc("/approve/{session_id}", h.ApproveSession).Methods("POST")
	api.HandleFunc("/metrics/snapshot", h.MetricsSnapshot).Methods("GET")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
