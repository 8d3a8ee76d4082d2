// Package promptregistry is the remote collaborator client for the prompt
// registry external interface (SPEC_FULL.md §6, "Prompt registry contract").
// The resolver never talks HTTP directly; it goes through this Client so
// the transport can be swapped or mocked in tests.
//
// The shape of this client -- validate config, build an http.Client with a
// bounded timeout, log each lifecycle step with structured fields, wrap
// every outbound error with %w -- follows the teacher's server.NewMCPServer
// constructor, with the MCP-specific transport (stdio/SSE) replaced by a
// plain HTTP GET against the registry's name-based lookup endpoint.
package promptregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mlscompliance/complyengine/logger"
)

// ErrPromptNotFound is returned by Get when the registry has no prompt under
// the requested name (any version).
var ErrPromptNotFound = errors.New("promptregistry: prompt not found")

// Prompt is the raw registry response for one prompt name, pre-normalization.
type Prompt struct {
	Name    string                 `json:"name"`
	Prompt  string                 `json:"prompt"`
	Config  map[string]interface{} `json:"config"`
	Version int                    `json:"version"`
}

// Client talks to the external prompt registry over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a registry client. baseURL must be a non-empty absolute
// URL; httpClient may be nil, in which case a client with a 10s timeout is
// used (the registry lookup is a single small GET, not the LLM call, so it
// does not share the LLM backend's longer per-call timeout).
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("promptregistry: base URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("promptregistry: invalid base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger.Logger.Debug("prompt registry client configured", "base_url", baseURL)
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// Get fetches the named prompt, optionally at a specific version. version
// <= 0 means "latest".
func (c *Client) Get(ctx context.Context, name string, version int) (*Prompt, error) {
	u := fmt.Sprintf("%s/prompts/%s", c.baseURL, url.PathEscape(name))
	if version > 0 {
		u = fmt.Sprintf("%s?version=%d", u, version)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("promptregistry: building request for %q: %w", name, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("promptregistry: fetching %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.Logger.Debug("prompt registry miss", "name", name, "version", version)
		return nil, ErrPromptNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("promptregistry: %q returned status %d", name, resp.StatusCode)
	}

	var p Prompt
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("promptregistry: decoding response for %q: %w", name, err)
	}
	logger.Logger.Debug("prompt registry hit", "name", name, "version", p.Version)
	return &p, nil
}

// IsHealthy performs a lightweight reachability check against the registry.
func (c *Client) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
