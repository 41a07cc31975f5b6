// Package upstream is the authenticated HTTP client for the external
// conversational-AI API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/parley-ai/conversation-gateway/pkg/logger"
)

// versionHeader carries the upstream protocol version on every response.
const versionHeader = "X-Version"

// Client performs authenticated request/response and streaming requests
// against the upstream API base URL.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	logger  *logger.Logger

	mu            sync.Mutex
	remoteVersion string
}

// New creates an upstream client. The timeout applies to plain JSON calls
// only; streaming requests live until the stream ends or the caller's
// context is cancelled.
func New(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
		timeout: timeout,
		logger:  log,
	}
}

// RemoteVersion returns the last protocol version reported by the upstream.
func (c *Client) RemoteVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteVersion
}

// request performs a JSON request/response call. Any non-2xx response fails
// with *RemoteAPIError. When out is non-nil the response body is decoded
// into it.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	c.captureVersion(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteAPIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// OpenStream issues an authenticated streaming POST and returns the raw
// chunk sequence. The stream is lazy and single-consumer; cancelling ctx
// closes the underlying connection immediately.
func (c *Client) OpenStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	c.captureVersion(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &RemoteAPIError{Status: resp.StatusCode, Body: string(errBody)}
	}

	return resp.Body, nil
}

// captureVersion tracks the upstream protocol version reported on each
// response. The value is informational, surfaced on the health endpoint.
func (c *Client) captureVersion(resp *http.Response) {
	version := resp.Header.Get(versionHeader)
	if version == "" {
		return
	}
	c.mu.Lock()
	changed := version != c.remoteVersion
	c.remoteVersion = version
	c.mu.Unlock()
	if changed && c.logger != nil {
		c.logger.Info("upstream protocol version changed", "version", version)
	}
}
