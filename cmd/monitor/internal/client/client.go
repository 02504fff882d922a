// Package client wraps the genqueue HTTP API for the monitor.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running genqueue server.
type Client struct {
	baseURL    string
	apiKey     string
	tenantID   string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL, apiKey, tenantID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// QueueStats holds queue depths by tier.
type QueueStats struct {
	Urgent  int `json:"urgent"`
	Normal  int `json:"normal"`
	Low     int `json:"low"`
	Claimed int `json:"claimed"`
}

// Stats holds server runtime statistics.
type Stats struct {
	UptimeSeconds int64      `json:"uptime_seconds"`
	Queue         QueueStats `json:"queue"`
	DenyRate      float64    `json:"rate_limit_deny_rate"`
	Goroutines    int        `json:"goroutines"`
}

// RateLimit holds the caller's sliding window budget.
type RateLimit struct {
	Limit         int    `json:"limit"`
	Remaining     int    `json:"remaining"`
	Reset         int64  `json:"reset"`
	WindowSeconds int64  `json:"window_seconds"`
	TenantID      string `json:"tenant_id"`
}

// BulkJob is a row in the jobs panel.
type BulkJob struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Priority  string     `json:"priority"`
	Items     ItemCounts `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ItemCounts holds per-outcome item tallies for a bulk job.
type ItemCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Health is the readiness probe response.
type Health struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Queue     *QueueStats `json:"queue,omitempty"`
}

// GetStats returns server runtime statistics.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	body, err := c.doRequest(ctx, c.baseURL+"/api/v1/stats")
	if err != nil {
		return nil, err
	}
	var stats Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	return &stats, nil
}

// GetRateLimit returns the tenant's current rate limit budget.
func (c *Client) GetRateLimit(ctx context.Context) (*RateLimit, error) {
	body, err := c.doRequest(ctx, c.baseURL+"/api/v1/rate-limit")
	if err != nil {
		return nil, err
	}
	var rl RateLimit
	if err := json.Unmarshal(body, &rl); err != nil {
		return nil, fmt.Errorf("parse rate limit: %w", err)
	}
	return &rl, nil
}

// ListBulkJobs returns the most recent bulk jobs.
func (c *Client) ListBulkJobs(ctx context.Context, limit int) ([]BulkJob, error) {
	if limit <= 0 {
		limit = 50
	}
	body, err := c.doRequest(ctx, fmt.Sprintf("%s/api/v1/bulk-jobs?limit=%d", c.baseURL, limit))
	if err != nil {
		return nil, err
	}
	var payload struct {
		BulkJobs []BulkJob `json:"bulk_jobs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse bulk jobs: %w", err)
	}
	return payload.BulkJobs, nil
}

// Ready probes the server's readiness endpoint.
func (c *Client) Ready(ctx context.Context) (*Health, error) {
	body, err := c.doRequest(ctx, c.baseURL+"/ready")
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("parse readiness: %w", err)
	}
	return &h, nil
}

func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "genqueue-monitor")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("genqueue api (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
