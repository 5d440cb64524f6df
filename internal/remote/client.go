// Package remote implements the HTTP client for the remote data
// backend.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/castkeep/castkeep/internal/domain"
)

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
)

// Client implements domain.Remote over the backend's JSON API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend API client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger,
	}
}

func (c *Client) recordPath(t domain.StoreType, key string) string {
	return fmt.Sprintf("/api/%s/%s", t, key)
}

// Create pushes a new record.
func (c *Client) Create(ctx context.Context, t domain.StoreType, key string, data []byte) error {
	_, err := c.doRequest(ctx, http.MethodPost, c.recordPath(t, key), data)
	return err
}

// Update pushes changes to an existing record.
func (c *Client) Update(ctx context.Context, t domain.StoreType, key string, data []byte) error {
	_, err := c.doRequest(ctx, http.MethodPut, c.recordPath(t, key), data)
	return err
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, t domain.StoreType, key string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.recordPath(t, key), nil)
	return err
}

// Fetch reads a record.
func (c *Client) Fetch(ctx context.Context, t domain.StoreType, key string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, c.recordPath(t, key), nil)
}

// Ping probes the backend with a HEAD request. No retries: the caller's
// probe loop supplies its own cadence and timeout.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ErrServerOffline
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	return nil
}

// doRequest performs an authenticated request with retry and
// exponential backoff for 5xx server errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
			c.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		c.logger.Debug("backend request", "method", method, "url", reqURL, "attempt", attempt)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error("backend request failed", "error", err)
			return nil, domain.ErrServerOffline
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, domain.ErrAuthFailed
		case resp.StatusCode == http.StatusNotFound:
			return nil, domain.ErrNotFound
		case resp.StatusCode >= 500 && resp.StatusCode < 600:
			lastErr = fmt.Errorf("server error: %d - %s", resp.StatusCode, string(respBody))
			c.logger.Warn("backend server error, will retry",
				"status", resp.StatusCode,
				"attempt", attempt,
				"maxRetries", maxRetries,
				"path", path,
			)
			continue
		case resp.StatusCode >= 300:
			c.logger.Error("backend request error", "status", resp.StatusCode, "body", string(respBody))
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		return respBody, nil
	}

	c.logger.Error("backend request failed after retries", "error", lastErr, "url", reqURL)
	return nil, lastErr
}
