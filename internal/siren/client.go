// Package siren is the client for the scoring backend: the internal game
// state store that serves teams, problems and endpoints and records tasks
// and flag submissions.
package siren

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Team as served by the scoring backend, keyed by Slug.
type Team struct {
	ID   int             `json:"id"`
	Name string          `json:"name"`
	Slug string          `json:"slug"`
	Aux  json.RawMessage `json:"aux,omitempty"`
}

// Problem (= challenge). Slug matches the first path segment of an exploit
// directory.
type Problem struct {
	ID      int             `json:"id"`
	Enabled bool            `json:"enabled"`
	Name    string          `json:"name"`
	Slug    string          `json:"slug"`
	Aux     json.RawMessage `json:"aux,omitempty"`
}

// Endpoint is the per-(team, problem) attack target. Never cached.
type Endpoint struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

// Client talks JSON over HTTP to the scoring backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	maxRetries uint64
}

// NewClient creates a scoring backend client.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 3,
	}
}

// do sends one JSON request, retrying transport errors and gateway-class
// responses with exponential backoff. Other non-200 responses fail fast.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	operation := func() error {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= http.StatusBadGateway:
			return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, policy)
}

// Teams fetches the current team list.
func (c *Client) Teams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := c.do(ctx, http.MethodGet, "/api/teams", nil, &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// Problems fetches the current problem list.
func (c *Client) Problems(ctx context.Context) ([]Problem, error) {
	var problems []Problem
	if err := c.do(ctx, http.MethodGet, "/api/problems", nil, &problems); err != nil {
		return nil, err
	}
	return problems, nil
}

// CurrentRound fetches the live round number.
func (c *Client) CurrentRound(ctx context.Context) (int, error) {
	var resp struct {
		Round int `json:"round"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/current_round", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Round, nil
}

// UpsertExploit mirrors a catalog entry, creating or updating by
// (name, problemId).
func (c *Client) UpsertExploit(ctx context.Context, name, key string, problemID int, enabled bool) error {
	payload := map[string]any{
		"name":      name,
		"key":       key,
		"problemId": problemID,
		"enabled":   enabled,
	}
	return c.do(ctx, http.MethodPost, "/api/exploits", payload, nil)
}

// DeleteExploit drops the mirrored exploit record.
func (c *Client) DeleteExploit(ctx context.Context, name string, problemID int) error {
	payload := map[string]any{
		"name":      name,
		"problemId": problemID,
	}
	return c.do(ctx, http.MethodDelete, "/api/exploits", payload, nil)
}

// ResolveEndpoint resolves the attack endpoint for a (team, problem) pair.
func (c *Client) ResolveEndpoint(ctx context.Context, teamID, problemID int) (Endpoint, error) {
	payload := map[string]any{
		"teamId":    teamID,
		"problemId": problemID,
	}
	var ep Endpoint
	if err := c.do(ctx, http.MethodPost, "/api/endpoint", payload, &ep); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// CreateTask registers a scheduled run and returns the backend-assigned task
// id, the authoritative cross-system correlator.
func (c *Client) CreateTask(ctx context.Context, roundID int, exploitKey string, teamID int) (int64, error) {
	payload := map[string]any{
		"roundId":    roundID,
		"exploitKey": exploitKey,
		"teamId":     teamID,
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", payload, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateTask pushes the latest observed status of a task.
func (c *Client) UpdateTask(ctx context.Context, taskID int64, status, stdout, stderr, statusMessage string) error {
	payload := map[string]any{
		"status":        status,
		"stdout":        stdout,
		"stderr":        stderr,
		"statusMessage": statusMessage,
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d", taskID), payload, nil)
}

// RecordFlag records the outcome of a flag submission.
func (c *Client) RecordFlag(ctx context.Context, taskID int64, flag, submissionResult, message string) error {
	payload := map[string]any{
		"taskId":           taskID,
		"flag":             flag,
		"submissionResult": submissionResult,
		"message":          message,
	}
	return c.do(ctx, http.MethodPost, "/api/flags", payload, nil)
}
