package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LokiClient queries a Loki HTTP API for the "logs" investigator.
type LokiClient struct {
	baseURL string
	hc      *http.Client
}

func NewLokiClient(baseURL string, timeout time.Duration) *LokiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LokiClient{baseURL: baseURL, hc: &http.Client{Timeout: timeout}}
}

// RegisterAll adds the log tools to the registry.
func (l *LokiClient) RegisterAll(reg *Registry) {
	reg.Register(Func{ToolName: "query_logs", Fn: l.queryLogs})
	reg.Register(Func{ToolName: "get_error_logs", Fn: l.errorLogs})
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"` // [ts, line]
		} `json:"result"`
	} `json:"data"`
}

func (l *LokiClient) rangeQuery(ctx context.Context, logQL string, limit int) (string, error) {
	params := url.Values{
		"query": {logQL},
		"limit": {strconv.Itoa(limit)},
		"start": {strconv.FormatInt(time.Now().Add(-15*time.Minute).UnixNano(), 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/loki/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := l.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("loki query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loki returned %d", resp.StatusCode)
	}

	var lr lokiResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("loki response not parseable: %w", err)
	}

	var sb strings.Builder
	total := 0
	for _, stream := range lr.Data.Result {
		for _, v := range stream.Values {
			if len(v) == 2 {
				sb.WriteString(v[1])
				sb.WriteString("\n")
				total++
			}
		}
	}
	if total == 0 {
		return fmt.Sprintf("No log lines matched %s in the last 15 minutes.", logQL), nil
	}
	return fmt.Sprintf("%d log lines for %s:\n%s", total, logQL, sb.String()), nil
}

func (l *LokiClient) queryLogs(ctx context.Context, args map[string]interface{}) (string, error) {
	query := StringArg(args, "query", "")
	if query == "" {
		ns := StringArg(args, "namespace", "default")
		query = fmt.Sprintf(`{namespace=%q}`, ns)
	}
	return l.rangeQuery(ctx, query, IntArg(args, "limit", 100))
}

func (l *LokiClient) errorLogs(ctx context.Context, args map[string]interface{}) (string, error) {
	ns := StringArg(args, "namespace", "default")
	query := fmt.Sprintf(`{namespace=%q} |~ "(?i)(error|exception|panic|fatal)"`, ns)
	return l.rangeQuery(ctx, query, IntArg(args, "limit", 100))
}
