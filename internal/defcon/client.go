// Package defcon is the client for the organizer-run flag submission API.
package defcon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SubmissionResponse is the raw game API answer. Message values are
// normalized by the outcome gateway, not here.
type SubmissionResponse struct {
	Message string `json:"message"`
}

// Client submits flags to the game API. A client with an empty URL is valid
// and reports every submission as unavailable.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a game API client. apiURL may be empty, which disables
// submissions.
func NewClient(apiURL string) *Client {
	return &Client{
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a game API endpoint is configured.
func (c *Client) Enabled() bool { return c.apiURL != "" }

// SubmitFlag posts a captured flag. It returns (nil, nil) when no endpoint is
// configured, which callers must treat as "not submitted".
func (c *Client) SubmitFlag(ctx context.Context, flag string) (*SubmissionResponse, error) {
	if c.apiURL == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/api/submit_flag/"+url.PathEscape(flag), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit flag: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flag submission returned status %d", resp.StatusCode)
	}

	var result SubmissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode submission response: %w", err)
	}
	return &result, nil
}
