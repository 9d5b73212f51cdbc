// Package stewardsdk is a minimal Steward HTTP API client.
package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running Steward API server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Action represents the API action model.
type Action struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Platform      string          `json:"platform"`
	Tier          string          `json:"tier"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt *string         `json:"next_attempt_at,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorKind     *string         `json:"error_kind,omitempty"`
	RequestedBy   string          `json:"requested_by"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// AuditRecord is one dispatch attempt in the audit trail.
type AuditRecord struct {
	ID           int64   `json:"id"`
	ActionID     string  `json:"action_id"`
	Attempt      int     `json:"attempt"`
	Tier         string  `json:"tier"`
	StatusBefore string  `json:"status_before"`
	StatusAfter  string  `json:"status_after"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	Summary      string  `json:"summary"`
	TS           string  `json:"ts"`
}

// ActionDetail is an action with its approvals and dispatch history.
type ActionDetail struct {
	Action
	Approvals []Approval    `json:"approvals"`
	Attempts  []AuditRecord `json:"attempts"`
}

// Approval is one approver's recorded consent.
type Approval struct {
	ActionID   string `json:"action_id"`
	ApproverID string `json:"approver_id"`
	ApprovedAt string `json:"approved_at"`
}

// ApprovalOutcome reports approval progress after an approve call.
type ApprovalOutcome struct {
	Action    Action   `json:"action"`
	Approvals []string `json:"approvals"`
	Required  int      `json:"required"`
	Queued    bool     `json:"queued"`
}

// Status is the scheduler health snapshot.
type Status struct {
	Ticks      int64          `json:"ticks"`
	LastTickAt string         `json:"last_tick_at,omitempty"`
	Degraded   bool           `json:"degraded"`
	LastError  string         `json:"last_error,omitempty"`
	Queue      map[string]int `json:"queue"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Enqueue submits an action for governed dispatch.
func (c *Client) Enqueue(ctx context.Context, actionType string, payload any) (Action, error) {
	body := map[string]any{
		"type":    actionType,
		"payload": payload,
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions", body, &resp)
	return resp, err
}

// GetAction fetches one action with approvals and attempt history.
func (c *Client) GetAction(ctx context.Context, actionID string) (ActionDetail, error) {
	var resp ActionDetail
	err := c.do(ctx, http.MethodGet, "v0/actions/"+url.PathEscape(actionID), nil, &resp)
	return resp, err
}

// ListActions returns actions, optionally filtered by status.
func (c *Client) ListActions(ctx context.Context, status string, limit int) ([]Action, error) {
	endpoint := "v0/actions"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Action
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve records the caller's approval of a pending action.
func (c *Client) Approve(ctx context.Context, actionID string) (ApprovalOutcome, error) {
	var resp ApprovalOutcome
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(actionID)+"/approve", nil, &resp)
	return resp, err
}

// Reject refuses a pending action with a reason.
func (c *Client) Reject(ctx context.Context, actionID, reason string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(actionID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Audit tails the audit trail.
func (c *Client) Audit(ctx context.Context, limit int, afterID int64) ([]AuditRecord, error) {
	endpoint := "v0/audit"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if afterID > 0 {
		q.Set("after_id", fmt.Sprintf("%d", afterID))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status fetches scheduler health.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
