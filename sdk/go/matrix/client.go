package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Waiting submissions need a longer timeout; pass your own client for those.
const DefaultHTTPTimeout = 15 * time.Second

// Command statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the agent-matrix REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Submission is the payload accepted by POST /api/v1/commands.
type Submission struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Wait    bool   `json:"wait,omitempty"`
}

// Result holds the output of a command that every agent approved.
type Result struct {
	AgentOutput string `json:"agent_output"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	ExitStatus  int    `json:"exit_status"`
	RunError    string `json:"run_error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// Command is the daemon's view of a submitted command. The plaintext is never
// returned; only the sealed envelope is stored server side.
type Command struct {
	ID         string  `json:"id"`
	KeyID      string  `json:"key_id,omitempty"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done reports whether the command reached a terminal state.
func (c Command) Done() bool {
	if c.Status == StatusSucceeded {
		return true
	}
	return c.Status == StatusFailed && c.Attempts >= c.MaxRetries
}

// Stats aggregates command counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows List and Stats queries. Zero values are omitted.
type ListFilter struct {
	Limit     int
	Offset    int
	Statuses  []string
	Since     time.Time
	Until     time.Time
	HasResult *bool
	Query     string
	Ascending bool
}

func (f ListFilter) values() url.Values {
	v := url.Values{}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	if len(f.Statuses) > 0 {
		v.Set("status", strings.Join(f.Statuses, ","))
	}
	if !f.Since.IsZero() {
		v.Set("since", strconv.FormatInt(f.Since.Unix(), 10))
	}
	if !f.Until.IsZero() {
		v.Set("until", strconv.FormatInt(f.Until.Unix(), 10))
	}
	if f.HasResult != nil {
		v.Set("has_result", strconv.FormatBool(*f.HasResult))
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// APIError represents a structured error returned by the daemon. Rule is set
// when the policy gate rejected the command.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	Rule       string `json:"rule,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agent-matrix api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent-matrix api error (%d): %s", e.StatusCode, e.Message)
}

// IsPolicyViolation reports whether err is a policy gate rejection.
func IsPolicyViolation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == "policy"
}

// NewClient instantiates a client for the agent-matrix API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request. An empty
// token sends no Authorization header, which suits daemons with auth disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Submit sends a command through the policy gate. Without Wait the returned
// command is pending; with Wait it is terminal unless the server wait expired.
func (c *Client) Submit(ctx context.Context, submission Submission) (Command, error) {
	var out Command
	if err := c.send(ctx, http.MethodPost, "/api/v1/commands", nil, submission, &out); err != nil {
		return Command{}, err
	}
	return out, nil
}

// Get fetches a command by identifier.
func (c *Client) Get(ctx context.Context, id string) (Command, error) {
	var out Command
	if err := c.send(ctx, http.MethodGet, "/api/v1/commands/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return Command{}, err
	}
	return out, nil
}

// Wait polls Get until the command is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Command, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cmd, err := c.Get(ctx, id)
		if err != nil {
			return Command{}, err
		}
		if cmd.Done() {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List returns commands matching filter, newest first unless Ascending is set.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/commands", filter.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// Stats returns aggregate counts for commands matching filter.
func (c *Client) Stats(ctx context.Context, filter ListFilter) (Stats, error) {
	var out Stats
	if err := c.send(ctx, http.MethodGet, "/api/v1/commands/stats", filter.values(), nil, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

type constraintsBody struct {
	Constraints []string `json:"constraints"`
}

// Constraints returns the gate's active constraint set.
func (c *Client) Constraints(ctx context.Context) ([]string, error) {
	var out constraintsBody
	if err := c.send(ctx, http.MethodGet, "/api/v1/constraints", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Constraints, nil
}

// ReplaceConstraints swaps the entire constraint set.
func (c *Client) ReplaceConstraints(ctx context.Context, constraints []string) ([]string, error) {
	var out constraintsBody
	if err := c.send(ctx, http.MethodPut, "/api/v1/constraints", nil, constraintsBody{Constraints: constraints}, &out); err != nil {
		return nil, err
	}
	return out.Constraints, nil
}

// AddConstraint activates a single constraint.
func (c *Client) AddConstraint(ctx context.Context, name string) ([]string, error) {
	var out constraintsBody
	if err := c.send(ctx, http.MethodPut, "/api/v1/constraints/"+url.PathEscape(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Constraints, nil
}

// RemoveConstraint deactivates a single constraint.
func (c *Client) RemoveConstraint(ctx context.Context, name string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/constraints/"+url.PathEscape(name), nil, nil, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
