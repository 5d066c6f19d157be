package client

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
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
)

const defaultHTTPTimeout = 30 * time.Second

// Client talks to one sessiond server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger attaches a logger for request tracing.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger.With("sys", "client.sdk")
	}
}

// WithTimeout overrides the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New returns a client for baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	u, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded sessiond error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("sessiond: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("sessiond: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Response.ErrorCode == code
}

// IsSessionConflict reports whether err is a 409 session_conflict.
func IsSessionConflict(err error) bool { return hasCode(err, api.ErrorSessionConflict) }

// IsAlreadyRunning reports whether err is a 409 already_running.
func IsAlreadyRunning(err error) bool { return hasCode(err, api.ErrorAlreadyRunning) }

// IsUnknownWorker reports whether err is a 404 unknown_worker.
func IsUnknownWorker(err error) bool { return hasCode(err, api.ErrorUnknownWorker) }

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	applyCorrelation(req)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	c.logger.Trace("client.http.done", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Body: raw}
		_ = json.Unmarshal(raw, &apiErr.Response)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func workerPath(id string, suffix string) string {
	return "/v1/workers/" + url.PathEscape(id) + suffix
}

// Workers lists every configured worker.
func (c *Client) Workers(ctx context.Context) ([]api.WorkerStatus, error) {
	var resp api.WorkerListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Worker returns the status of one worker.
func (c *Client) Worker(ctx context.Context, id string) (api.WorkerStatus, error) {
	var resp api.WorkerStatus
	err := c.do(ctx, http.MethodGet, workerPath(id, ""), nil, &resp)
	return resp, err
}

// StartWorker starts a worker.
func (c *Client) StartWorker(ctx context.Context, id string) (api.WorkerActionResponse, error) {
	var resp api.WorkerActionResponse
	err := c.do(ctx, http.MethodPost, workerPath(id, "/start"), nil, &resp)
	return resp, err
}

// StopWorker stops a worker.
func (c *Client) StopWorker(ctx context.Context, id string) (api.WorkerActionResponse, error) {
	var resp api.WorkerActionResponse
	err := c.do(ctx, http.MethodPost, workerPath(id, "/stop"), nil, &resp)
	return resp, err
}

// WorkerStats returns action statistics and remaining budgets for a worker.
func (c *Client) WorkerStats(ctx context.Context, id string) (api.WorkerStatsResponse, error) {
	var resp api.WorkerStatsResponse
	err := c.do(ctx, http.MethodGet, workerPath(id, "/stats"), nil, &resp)
	return resp, err
}

// Sessions lists identities with a live lock.
func (c *Client) Sessions(ctx context.Context) (api.SessionsResponse, error) {
	var resp api.SessionsResponse
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &resp)
	return resp, err
}

// SweepSessions removes stale and corrupt locks.
func (c *Client) SweepSessions(ctx context.Context) ([]string, error) {
	var resp api.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/sweep", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Removed, nil
}

// TestProxy asks the server to test a proxy.
func (c *Client) TestProxy(ctx context.Context, req api.ProxyTestRequest) (api.ProxyTestResponse, error) {
	var resp api.ProxyTestResponse
	err := c.do(ctx, http.MethodPost, "/v1/proxy/test", req, &resp)
	return resp, err
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}
