package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/arbiterops/arbiter/internal/models"
	"github.com/arbiterops/arbiter/internal/repository"
)

type contextKey string

const (
	clusterKey contextKey = "auth_cluster"
	orgKey     contextKey = "auth_org"
)

// ClusterFromContext returns the agent's authenticated cluster, if any.
func ClusterFromContext(ctx context.Context) *models.Cluster {
	c, _ := ctx.Value(clusterKey).(*models.Cluster)
	return c
}

// OrgFromContext returns the authenticated organization, if any.
func OrgFromContext(ctx context.Context) *models.Organization {
	o, _ := ctx.Value(orgKey).(*models.Organization)
	return o
}

// ClusterAuth authenticates edge agents by cluster token (Bearer or
// X-Cluster-Token). Unknown tokens are rejected before the handler runs.
func ClusterAuth(store repository.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Cluster-Token")
			if token == "" {
				token = extractBearer(r)
			}
			if token == "" {
				unauthorized(w, "Cluster token required")
				return
			}

			cluster, err := store.GetClusterByToken(r.Context(), token)
			if err != nil {
				unauthorized(w, "Invalid cluster token")
				return
			}
			ctx := context.WithValue(r.Context(), clusterKey, cluster)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgAuth authenticates mission-control callers by org API key (X-API-Key
// or Bearer).
func OrgAuth(store repository.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = extractBearer(r)
			}
			if apiKey == "" {
				unauthorized(w, "API key required")
				return
			}

			org, err := store.GetOrganizationByAPIKey(r.Context(), apiKey)
			if err != nil {
				unauthorized(w, "Invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), orgKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
