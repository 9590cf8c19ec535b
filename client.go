// Package sprintpulse provides the Go client for the SprintPulse dashboard's
// real-time event delivery and progress tracking.
//
// It covers the REST trigger endpoints, the telemetry stream that drives job
// progress and aggregate refetches, and the notification stream.
//
// Example:
//
//	client := sprintpulse.NewClient(sprintpulse.StaticSession{AccessToken: token})
//
//	dash := client.Dashboard(nil)
//	dash.Resync().OnChange(func(s sprintpulse.JobState) { ... })
//	dash.Mount(ctx, "project-42")
//	defer dash.Close()
//
//	dash.TriggerResync(ctx)
package sprintpulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "https://app.sprintpulse.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	session    Session
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new SprintPulse client. The session is read on every
// request and every connection attempt, so token refreshes are picked up
// without rebuilding the client.
func NewClient(session Session, opts ...ClientOption) *Client {
	c := &Client{
		session: session,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = StaticSession{}
	}
	return c
}

// BaseURL returns the HTTP origin the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Session returns the token and tenant source.
func (c *Client) Session() Session {
	return c.session
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenant := c.tenant(); tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &APIResult{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
			}
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	if !result.OK && result.Error != nil {
		return nil, result.Error
	}
	return result, nil
}

func (c *Client) tenant() string {
	return ResolveTenant(c.session.Tenant(), hostOf(c.baseURL))
}

func decodeResult[T any](result *APIResult) (*T, error) {
	var out T
	if err := result.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Trigger endpoints
// ============================================================================

// TriggerResync asks the server to re-synchronize a project's data. The
// returned result only acknowledges the job; progress arrives as
// sync_progress events.
func (c *Client) TriggerResync(ctx context.Context, projectID string) (*TriggerResult, error) {
	result, err := c.doRequest(ctx, "POST", "/api/projects/"+url.PathEscape(projectID)+"/resync", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[TriggerResult](result)
}

// TriggerInsightRefresh asks the server to regenerate AI insights for a
// project. Progress arrives as ai_insight_progress events.
func (c *Client) TriggerInsightRefresh(ctx context.Context, projectID string, opts *InsightRefreshOptions) (*TriggerResult, error) {
	var body interface{}
	if opts != nil {
		body = opts
	}
	result, err := c.doRequest(ctx, "POST", "/api/projects/"+url.PathEscape(projectID)+"/insights/refresh", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[TriggerResult](result)
}

// Summary fetches the aggregate dashboard summary for a project.
func (c *Client) Summary(ctx context.Context, projectID string) (*Summary, error) {
	result, err := c.doRequest(ctx, "GET", "/api/projects/"+url.PathEscape(projectID)+"/summary", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Summary](result)
}

// ============================================================================
// Notification endpoints
// ============================================================================

// ListNotifications returns the current notification list, most recent first.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	result, err := c.doRequest(ctx, "GET", "/api/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	var list []Notification
	if err := result.Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return list, nil
}

// MarkNotificationRead confirms a single notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, "POST", "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

// MarkAllNotificationsRead confirms every notification as read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, "POST", "/api/notifications/read-all", nil, nil)
	return err
}
