// Package remote is the HTTP client for agents reached over a run
// endpoint instead of stdio: submit a task asynchronously, then poll its
// run status by id.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Remote run status values
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Status is a remote run's reported state
type Status struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type runRequest struct {
	Task string `json:"task"`
}

type runResponse struct {
	RunID string `json:"runId"`
}

// Client talks to remote agent run endpoints
type Client struct {
	http *http.Client
}

// NewClient creates a remote client with a bounded request timeout
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// RunAsync submits a task and returns the remote run id
func (c *Client) RunAsync(ctx context.Context, baseURL, task string) (string, error) {
	body, err := json.Marshal(runRequest{Task: task})
	if err != nil {
		return "", fmt.Errorf("failed to marshal run request: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/v1/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote run request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("remote run request returned %d", resp.StatusCode)
	}

	var decoded runResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode run response: %w", err)
	}
	if decoded.RunID == "" {
		return "", fmt.Errorf("remote run response had no run id")
	}

	log.Debug().Str("base_url", baseURL).Str("acp_run_id", decoded.RunID).Msg("Remote run submitted")
	return decoded.RunID, nil
}

// RunStatus polls the state of a previously submitted run
func (c *Client) RunStatus(ctx context.Context, baseURL, acpRunID string) (Status, error) {
	url := strings.TrimRight(baseURL, "/") + "/v1/runs/" + acpRunID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("remote status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("remote status request returned %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	return status, nil
}
