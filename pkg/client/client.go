// Package client is a small HTTP client for the scriptd management API,
// used by the CLI and suitable for embedding in other tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a scriptd daemon.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string // e.g. http://localhost:8080/v1
	Token   string // optional bearer token
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/v1",
		Timeout: 15 * time.Second,
	}
}

// New creates a scriptd API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

// Health fetches the daemon health summary.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// ListScripts fetches the current registry snapshot.
func (c *Client) ListScripts(ctx context.Context) (ScriptList, error) {
	var out ScriptList
	err := c.do(ctx, http.MethodGet, "/scripts", nil, &out)
	return out, err
}

// Rescan triggers a registry rescan and returns the new snapshot.
func (c *Client) Rescan(ctx context.Context) (ScriptList, error) {
	var out ScriptList
	err := c.do(ctx, http.MethodPost, "/scripts/rescan", nil, &out)
	return out, err
}

// StartRun launches a script run.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodPost, "/runs", req, &out)
	return out, err
}

// ListRuns lists runs, optionally filtered by state, with pagination.
func (c *Client) ListRuns(ctx context.Context, state string, offset, limit int) (RunList, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out RunList
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetRun fetches one run record.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

// StopRun requests graceful termination of a run and returns the resulting
// record.
func (c *Client) StopRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/stop", nil, &out)
	return out, err
}

// RunLogs reads captured output. stream is stdout, stderr, or both; a
// tailBytes of 0 uses the server default.
func (c *Client) RunLogs(ctx context.Context, runID, stream string, tailBytes int64) (Logs, error) {
	q := url.Values{}
	if stream != "" {
		q.Set("stream", stream)
	}
	if tailBytes > 0 {
		q.Set("tail_bytes", strconv.FormatInt(tailBytes, 10))
	}
	path := "/runs/" + url.PathEscape(runID) + "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Logs
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// AdminToken exchanges the admin shared secret for a wildcard-scope token.
func (c *Client) AdminToken(ctx context.Context, adminSecret string) (Token, error) {
	var out Token
	err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{"admin_secret": adminSecret}, &out)
	return out, err
}

// ClientToken exchanges stored client credentials for a scoped token.
func (c *Client) ClientToken(ctx context.Context, clientID, clientSecret string) (Token, error) {
	body := map[string]string{"client_id": clientID, "client_secret": clientSecret}
	var out Token
	err := c.do(ctx, http.MethodPost, "/auth/token", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
