// Package daemonctl is the thin HTTP client the CLI uses to talk to a
// running daemon's admin API.
package daemonctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"earshot/internal/api"
	"earshot/internal/config"
)

// Client calls the daemon admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New constructs a client from configuration.
func New(cfg *config.Config) *Client {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	return &Client{
		baseURL:    "http://" + bind,
		token:      strings.TrimSpace(cfg.Paths.APIToken),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var status api.DaemonStatus
	err := c.get(ctx, "/api/status", &status)
	return status, err
}

// SchedulerStatus fetches the scheduler status.
func (c *Client) SchedulerStatus(ctx context.Context) (api.SchedulerStatus, error) {
	var status api.SchedulerStatus
	err := c.get(ctx, "/scheduler/status", &status)
	return status, err
}

// TriggerScheduler forces an immediate dispatch tick.
func (c *Client) TriggerScheduler(ctx context.Context) error {
	return c.post(ctx, "/scheduler/trigger", nil, nil)
}

// Analyze queues a manual analysis.
func (c *Client) Analyze(ctx context.Context, equityID int64, req api.AnalyzeRequest) (api.AnalyzeResponse, error) {
	var resp api.AnalyzeResponse
	err := c.post(ctx, fmt.Sprintf("/analyze/%d", equityID), req, &resp)
	return resp, err
}

// ForceArticle creates or re-opens a group research run.
func (c *Client) ForceArticle(ctx context.Context, groupID int64, req api.ArticleRequest) (api.ResearchRun, error) {
	var run api.ResearchRun
	err := c.post(ctx, fmt.Sprintf("/groups/%d/articles", groupID), req, &run)
	return run, err
}

// Jobs lists analysis jobs.
func (c *Client) Jobs(ctx context.Context) ([]api.AnalysisJob, error) {
	var jobs []api.AnalysisJob
	err := c.get(ctx, "/api/jobs", &jobs)
	return jobs, err
}

// Outbox lists outbox rows.
func (c *Client) Outbox(ctx context.Context) ([]api.OutboxRow, error) {
	var rows []api.OutboxRow
	err := c.get(ctx, "/api/outbox", &rows)
	return rows, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var errResp api.ErrorResponse
		if json.Unmarshal(payload, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("daemon: %s", errResp.Error)
		}
		return fmt.Errorf("daemon: http %d", resp.StatusCode)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
