// Package pulseclient is a small Go client for the Pulsegate HTTP API.
package pulseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a Pulsegate problem response surfaced as a Go error.
type APIError struct {
	StatusCode int    `json:"status"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pulsegate: %s (%d): %s", e.Title, e.StatusCode, e.Detail)
}

// Client talks to a Pulsegate server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pulseclient: BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pulseclient: encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Title = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("pulseclient: decode response: %w", err)
		}
	}
	return nil
}

// Ping checks server health.
func (c *Client) Ping(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &h)
	return h, err
}

// CreateSession starts a viewing session.
func (c *Client) CreateSession(ctx context.Context, params CreateSessionParams) (SessionInfo, error) {
	var info SessionInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", params, &info)
	return info, err
}

// EndSession terminates a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, nil)
}

// Join adds a participant to a session.
func (c *Client) Join(ctx context.Context, sessionID, profileID, deviceID string) (Entity, error) {
	var ent Entity
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/entities",
		map[string]string{"profile_id": profileID, "device_id": deviceID}, &ent)
	return ent, err
}

// Leave removes a participant from a session.
func (c *Client) Leave(ctx context.Context, sessionID, entityID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID+"/entities/"+entityID, nil, nil)
}

// AssignDevice binds a heart-rate device to a participant.
func (c *Client) AssignDevice(ctx context.Context, sessionID, entityID, deviceID string) error {
	return c.do(ctx, http.MethodPut, "/api/v1/sessions/"+sessionID+"/entities/"+entityID+"/device",
		map[string]string{"device_id": deviceID}, nil)
}

// SendSamples submits a batch of heart-rate readings.
func (c *Client) SendSamples(ctx context.Context, sessionID string, samples []Sample) (IngestResult, error) {
	var res IngestResult
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/samples",
		map[string][]Sample{"samples": samples}, &res)
	return res, err
}

// Decision fetches the current governance verdict.
func (c *Client) Decision(ctx context.Context, sessionID string) (*Decision, error) {
	var d Decision
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/decision", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Profiles fetches stabilized vitals for all participants.
func (c *Client) Profiles(ctx context.Context, sessionID string) ([]Profile, error) {
	var out struct {
		Profiles []Profile `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// Coins fetches per-participant coin totals.
func (c *Client) Coins(ctx context.Context, sessionID string) (map[string]float64, error) {
	var out struct {
		Totals map[string]float64 `json:"totals"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/coins", nil, &out); err != nil {
		return nil, err
	}
	return out.Totals, nil
}
