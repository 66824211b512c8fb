package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoAdminKey is returned by tools that need the admin surface when no
// admin key was configured.
var ErrNoAdminKey = errors.New("admin key not configured (set CALLSHIELD_ADMIN_KEY)")

// Config holds the configuration for connecting to the Callshield API.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // Device API key (optional when the API runs in open mode)
	AdminKey string // Admin key for history and override tools (optional)
}

// Client is a pure HTTP client for the Callshield API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the Callshield API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// Admin requests authenticate with the admin key header, everything else
// with the device bearer key.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if admin {
		req.Header.Set("X-Admin-Key", c.cfg.AdminKey)
	} else if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CheckNumber runs the pre-call risk check for a number.
func (c *Client) CheckNumber(ctx context.Context, number string) (json.RawMessage, error) {
	body := map[string]string{"phoneNumber": number}
	return c.doRequest(ctx, http.MethodPost, "/v1/check", nil, body, false)
}

// GetSession returns the summary of a protection session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	path := "/v1/sessions/" + sessionID
	return c.doRequest(ctx, http.MethodGet, path, nil, nil, false)
}

// ListHistory returns finished call records, newest first.
func (c *Client) ListHistory(ctx context.Context, number, riskLevel string, limit int) (json.RawMessage, error) {
	if c.cfg.AdminKey == "" {
		return nil, ErrNoAdminKey
	}
	q := url.Values{}
	if number != "" {
		q.Set("number", number)
	}
	if riskLevel != "" {
		q.Set("riskLevel", riskLevel)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/history", q, nil, true)
}

// ListOverrides returns the newest operator rules.
func (c *Client) ListOverrides(ctx context.Context, limit int) (json.RawMessage, error) {
	if c.cfg.AdminKey == "" {
		return nil, ErrNoAdminKey
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/overrides", q, nil, true)
}

// SetOverride creates a block or allow rule for a number.
func (c *Client) SetOverride(ctx context.Context, number, action, reason string, ttlSeconds int) (json.RawMessage, error) {
	if c.cfg.AdminKey == "" {
		return nil, ErrNoAdminKey
	}
	body := map[string]any{
		"phoneNumber": number,
		"action":      action,
		"createdBy":   "mcp",
	}
	if reason != "" {
		body["reason"] = reason
	}
	if ttlSeconds > 0 {
		body["ttlSeconds"] = ttlSeconds
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/overrides", nil, body, true)
}

// RemoveOverride deletes a rule by its id.
func (c *Client) RemoveOverride(ctx context.Context, overrideID string) (json.RawMessage, error) {
	if c.cfg.AdminKey == "" {
		return nil, ErrNoAdminKey
	}
	path := "/v1/admin/overrides/" + overrideID
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil, true)
}
