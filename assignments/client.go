// Package assignments is the thin client for the external
// assignment-tracking collaborator. It is consumed fire-and-forget on
// interview completion and is not part of the conversational protocol.
package assignments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client calls the assignment status endpoint.
type Client struct {
	baseURL    string
	credential string
	http       *http.Client
}

// New creates a client for the given assignments base URL.
func New(baseURL, credential string) *Client {
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		http:       &http.Client{Timeout: defaultTimeout},
	}
}

type statusUpdate struct {
	Status string `json:"status"`
}

// MarkCompleted sets the execution's assignment status to COMPLETED. The
// caller logs failures; nothing retries and nothing rolls back.
func (c *Client) MarkCompleted(ctx context.Context, executionID string) error {
	body, err := json.Marshal(statusUpdate{Status: "COMPLETED"})
	if err != nil {
		return fmt.Errorf("failed to marshal status update: %w", err)
	}

	url := fmt.Sprintf("%s/executions/%s/status", c.baseURL, executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status update request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status update rejected with status %d", resp.StatusCode)
	}
	return nil
}
