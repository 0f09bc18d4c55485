package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MemoryClient talks to the institutional-memory service: runbook search and
// recall of similar past incidents. Optional; the planner works without it.
type MemoryClient struct {
	baseURL string
	hc      *http.Client
}

func NewMemoryClient(baseURL string, timeout time.Duration) *MemoryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MemoryClient{baseURL: baseURL, hc: &http.Client{Timeout: timeout}}
}

// RegisterAll adds the memory tools to the registry.
func (m *MemoryClient) RegisterAll(reg *Registry) {
	reg.Register(Func{ToolName: "search_runbooks", Fn: m.searchRunbooksTool})
	reg.Register(Func{ToolName: "recall_similar_incidents", Fn: m.recallTool})
}

// SearchRunbooks returns the best-matching runbook text, or "" when none.
func (m *MemoryClient) SearchRunbooks(ctx context.Context, query string) (string, error) {
	var out struct {
		Runbooks []struct {
			Title   string  `json:"title"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"runbooks"`
	}
	if err := m.post(ctx, "/runbooks/search", map[string]interface{}{"query": query, "limit": 1}, &out); err != nil {
		return "", err
	}
	if len(out.Runbooks) == 0 {
		return "", nil
	}
	rb := out.Runbooks[0]
	return fmt.Sprintf("%s\n\n%s", rb.Title, rb.Content), nil
}

// RecallSimilarIncidents returns up to limit past incident summaries above
// the score threshold.
func (m *MemoryClient) RecallSimilarIncidents(ctx context.Context, query string, limit int, threshold float64) ([]string, error) {
	var out struct {
		Incidents []struct {
			Summary string  `json:"summary"`
			Score   float64 `json:"score"`
		} `json:"incidents"`
	}
	payload := map[string]interface{}{
		"query_text":      query,
		"limit":           limit,
		"score_threshold": threshold,
	}
	if err := m.post(ctx, "/incidents/recall", payload, &out); err != nil {
		return nil, err
	}
	summaries := make([]string, 0, len(out.Incidents))
	for _, inc := range out.Incidents {
		summaries = append(summaries, inc.Summary)
	}
	return summaries, nil
}

func (m *MemoryClient) post(ctx context.Context, path string, payload, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("memory service request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memory service returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *MemoryClient) searchRunbooksTool(ctx context.Context, args map[string]interface{}) (string, error) {
	query := StringArg(args, "query", "")
	if query == "" {
		return "", fmt.Errorf("search_runbooks requires query")
	}
	rb, err := m.SearchRunbooks(ctx, query)
	if err != nil {
		return "", err
	}
	if rb == "" {
		return "No matching runbook found.", nil
	}
	return rb, nil
}

func (m *MemoryClient) recallTool(ctx context.Context, args map[string]interface{}) (string, error) {
	query := StringArg(args, "query_text", StringArg(args, "query", ""))
	if query == "" {
		return "", fmt.Errorf("recall_similar_incidents requires query_text")
	}
	incidents, err := m.RecallSimilarIncidents(ctx, query, IntArg(args, "limit", 3), 0.7)
	if err != nil {
		return "", err
	}
	if len(incidents) == 0 {
		return "No similar incidents found.", nil
	}
	return strings.Join(incidents, "\n---\n"), nil
}
