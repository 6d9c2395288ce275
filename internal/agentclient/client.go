// Package agentclient is the HTTP client agent processes use to claim
// tasks, keep their leases alive and report outcomes.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrLeaseLost means the server no longer honours the lease.
	ErrLeaseLost = errors.New("lease lost")
	// ErrConflict means another worker holds the task.
	ErrConflict = errors.New("task already claimed")
)

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed with status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrLeaseLost:
		return e.Code == "lease_lost"
	case ErrConflict:
		return e.Code == "lease_conflict"
	}
	return false
}

// Client talks to the coordinator REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	hookToken  string
}

// NewClient creates a client. token is the agent bearer token and
// hookToken the shared webhook secret used for outcome reports.
func NewClient(baseURL, token, hookToken string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		token:     token,
		hookToken: hookToken,
	}
}

// Lease is a granted claim.
type Lease struct {
	LeaseToken string    `json:"lease_token"`
	TaskID     string    `json:"task_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Claim asks for an exclusive lease on the task.
func (c *Client) Claim(ctx context.Context, taskID, agentName, source string) (*Lease, error) {
	req := map[string]string{"agent_name": agentName, "source": source}
	var l Lease
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/claim", req, c.agentAuth, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Heartbeat extends the lease and returns its new expiry.
func (c *Client) Heartbeat(ctx context.Context, leaseToken string) (time.Time, error) {
	var resp struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/leases/"+url.PathEscape(leaseToken)+"/heartbeat", nil, c.agentAuth, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.ExpiresAt, nil
}

// Release gives the lease back early.
func (c *Client) Release(ctx context.Context, leaseToken string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/leases/"+url.PathEscape(leaseToken)+"/release", nil, c.agentAuth, nil)
}

// Outcome is the task_outcome contract, version "1".
type Outcome struct {
	Version           string     `json:"version"`
	RunID             string     `json:"run_id"`
	TaskID            string     `json:"task_id,omitempty"`
	SessionID         string     `json:"session_id,omitempty"`
	SessionKey        string     `json:"session_key,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	NeedsFollowUp     bool       `json:"needs_follow_up"`
	RecommendedAction string     `json:"recommended_action"`
	NextPrompt        string     `json:"next_prompt,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Achieved          []string   `json:"achieved,omitempty"`
	Evidence          []string   `json:"evidence,omitempty"`
	Remaining         []string   `json:"remaining,omitempty"`
	ModelUsed         string     `json:"model_used,omitempty"`
}

// OutcomeResult is the coordinator's answer to an outcome report.
type OutcomeResult struct {
	TaskID        string `json:"task_id"`
	RunNumber     int    `json:"run_number"`
	Idempotent    bool   `json:"idempotent"`
	Status        string `json:"status"`
	PipelineStage string `json:"pipeline_stage"`
	RoutedModel   string `json:"routed_model"`
	RunCount      int    `json:"run_count"`
}

// ReportOutcome posts a completion report. Resending the same RunID is
// safe: the coordinator answers with Idempotent set.
func (c *Client) ReportOutcome(ctx context.Context, o Outcome) (*OutcomeResult, error) {
	if o.Version == "" {
		o.Version = "1"
	}
	var res OutcomeResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/hooks/task_outcome", o, c.hookAuth, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// KeepAlive heartbeats every interval until ctx ends. It returns nil on
// cancellation and ErrLeaseLost once the server rejects the lease.
// Transient failures are retried on the next tick.
func (c *Client) KeepAlive(ctx context.Context, leaseToken string, interval time.Duration, onError func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := c.Heartbeat(ctx, leaseToken)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				return err
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				return fmt.Errorf("%w: %v", ErrLeaseLost, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

func (c *Client) agentAuth(r *http.Request) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) hookAuth(r *http.Request) {
	if c.hookToken != "" {
		r.Header.Set("X-Hook-Token", c.hookToken)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in any, authorize func(*http.Request), out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(bodyBytes, &e) == nil && e.Error != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
