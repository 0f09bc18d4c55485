// Package worker is the edge agent: an authenticated poller that claims
// jobs from the control plane one at a time, runs investigations locally,
// and streams progress back.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arbiterops/arbiter/internal/models"
)

// Client talks to the control plane's agent endpoints using the cluster
// token.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, token: token, hc: &http.Client{Timeout: timeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Cluster-Token", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Claim asks for the oldest pending job. Returns nil when the queue is
// empty.
func (c *Client) Claim(ctx context.Context) (*models.Job, error) {
	var job models.Job
	status, err := c.do(ctx, http.MethodGet, "/agent/jobs/pending", nil, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

// ReportStatus posts a job status transition.
func (c *Client) ReportStatus(ctx context.Context, jobID string, upd models.JobStatusUpdate) error {
	_, err := c.do(ctx, http.MethodPost, "/agent/jobs/"+jobID+"/status", upd, nil)
	return err
}

// AppendLogs streams progress lines onto the job.
func (c *Client) AppendLogs(ctx context.Context, jobID, logs string) error {
	_, err := c.do(ctx, http.MethodPost, "/agent/jobs/"+jobID+"/logs", map[string]string{"logs": logs}, nil)
	return err
}

// Heartbeat marks the cluster online.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/agent/heartbeat", map[string]string{}, nil)
	return err
}
