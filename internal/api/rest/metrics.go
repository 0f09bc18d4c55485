package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/arbiterops/arbiter/internal/pkg/logger"
)

// Queries for the mission-control overview card.
var snapshotQueries = map[string]string{
	"error_rate":  `sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m]))`,
	"latency_p95": `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))`,
	"saturation":  `avg(rate(container_cpu_usage_seconds_total[5m]))`,
}

// MetricsSnapshot handles GET /api/v1/metrics/snapshot. 503 when the
// Prometheus upstream is unreachable: a stale dashboard is worse than an
// honest error.
func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	if h.promURL == "" {
		respondErrorWithCode(w, http.StatusServiceUnavailable, ErrCodeUpstreamDown,
			"no metrics backend configured", reqID)
		return
	}

	snapshot := map[string]float64{}
	for name, query := range snapshotQueries {
		v, err := h.promQuery(r, query)
		if err != nil {
			respondErrorWithCode(w, http.StatusServiceUnavailable, ErrCodeUpstreamDown,
				fmt.Sprintf("metrics backend unreachable: %v", err), reqID)
			return
		}
		snapshot[name] = v
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) promQuery(r *http.Request, query string) (float64, error) {
	u := h.promURL + "/api/v1/query?" + url.Values{"query": {query}}.Encode()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("prometheus returned %d", resp.StatusCode)
	}

	var pr struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Value []interface{} `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, err
	}
	if pr.Status != "success" || len(pr.Data.Result) == 0 || len(pr.Data.Result[0].Value) != 2 {
		return 0, nil // no data is a zero, not an outage
	}
	raw, _ := pr.Data.Result[0].Value[1].(string)
	var v float64
	fmt.Sscanf(raw, "%g", &v)
	return v, nil
}
