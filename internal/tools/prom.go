package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arbiterops/arbiter/internal/models"
)

// Golden-signal queries and thresholds. Latency p95 under a second, error
// ratio under 1%, saturation under 80% read as normal.
const (
	latencyQuery    = `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))`
	errorRateQuery  = `sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m]))`
	saturationQuery = `avg(rate(container_cpu_usage_seconds_total[5m]))`

	latencyThreshold    = 1.0
	errorRateThreshold  = 0.01
	saturationThreshold = 0.8
)

// PromClient queries a Prometheus HTTP API. It doubles as the verifier's
// metric source and as the "metrics" investigator's toolset.
type PromClient struct {
	baseURL string
	hc      *http.Client
}

func NewPromClient(baseURL string, timeout time.Duration) *PromClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PromClient{baseURL: baseURL, hc: &http.Client{Timeout: timeout}}
}

// RegisterAll adds the metrics tools to the registry.
func (p *PromClient) RegisterAll(reg *Registry) {
	reg.Register(Func{ToolName: "query_metrics", Fn: p.queryTool})
	reg.Register(Func{ToolName: "get_golden_signals", Fn: p.goldenSignalsTool})
}

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  []interface{}     `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// Query runs an instant query, optionally at a point in time (zero = now),
// and returns the first sample value.
func (p *PromClient) Query(ctx context.Context, query string, at time.Time) (float64, error) {
	params := url.Values{"query": {query}}
	if !at.IsZero() {
		params.Set("time", strconv.FormatInt(at.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/query?"+params.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("prometheus query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("prometheus returned %d", resp.StatusCode)
	}

	var pr promResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, fmt.Errorf("prometheus response not parseable: %w", err)
	}
	if pr.Status != "success" || len(pr.Data.Result) == 0 {
		return 0, fmt.Errorf("no data for query %q", query)
	}
	sample := pr.Data.Result[0].Value
	if len(sample) != 2 {
		return 0, fmt.Errorf("malformed sample for query %q", query)
	}
	raw, ok := sample[1].(string)
	if !ok {
		return 0, fmt.Errorf("malformed sample value for query %q", query)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("sample value %q not numeric: %w", raw, err)
	}
	return v, nil
}

// GoldenSignals snapshots latency, errors, and saturation.
func (p *PromClient) GoldenSignals(ctx context.Context) (models.GoldenSignals, error) {
	gs := models.GoldenSignals{}

	latency, err := p.Query(ctx, latencyQuery, time.Time{})
	if err != nil {
		return gs, err
	}
	errRate, err := p.Query(ctx, errorRateQuery, time.Time{})
	if err != nil {
		return gs, err
	}
	saturation, err := p.Query(ctx, saturationQuery, time.Time{})
	if err != nil {
		return gs, err
	}

	gs.LatencySeconds = latency
	gs.LatencyStatus = statusFor(latency < latencyThreshold, "normal", "degraded")
	gs.ErrorRate = errRate
	gs.ErrorStatus = statusFor(errRate < errorRateThreshold, "normal", "elevated")
	gs.Saturation = saturation
	gs.SaturationStatus = statusFor(saturation < saturationThreshold, "normal", "high")
	return gs, nil
}

func statusFor(ok bool, good, bad string) string {
	if ok {
		return good
	}
	return bad
}

func (p *PromClient) queryTool(ctx context.Context, args map[string]interface{}) (string, error) {
	query := StringArg(args, "query", "")
	if query == "" {
		return "", fmt.Errorf("query_metrics requires query")
	}
	v, err := p.Query(ctx, query, time.Time{})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %g", query, v), nil
}

func (p *PromClient) goldenSignalsTool(ctx context.Context, args map[string]interface{}) (string, error) {
	gs, err := p.GoldenSignals(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("latency p95 %.3fs (%s); error rate %.4f (%s); saturation %.2f (%s)",
		gs.LatencySeconds, gs.LatencyStatus, gs.ErrorRate, gs.ErrorStatus, gs.Saturation, gs.SaturationStatus), nil
}
