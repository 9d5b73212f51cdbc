package dispatch

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

type postContentPayload struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type sendNotificationPayload struct {
	Channel    string   `json:"channel"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients,omitempty"`
}

type syncRepositoryPayload struct {
	Repository string   `json:"repository"`
	Branch     string   `json:"branch,omitempty"`
	Paths      []string `json:"paths,omitempty"`
}

// BuiltinSpecs returns the standard action types wired to the given
// executors, keyed by action type. A nil executor leaves the type
// registered for validation and governance but failing dispatch, which is
// what a dry workspace wants.
func BuiltinSpecs(executors map[string]Executor) []Spec {
	exec := func(actionType string) Executor {
		if e, ok := executors[actionType]; ok && e != nil {
			return e
		}
		return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, InternalError(fmt.Sprintf("no executor wired for %s", actionType), nil)
		}
	}
	return []Spec{
		{
			Type:     "post-content",
			Platform: "microblog",
			Validate: func(payload json.RawMessage) error {
				var p postContentPayload
				if err := strictUnmarshal(payload, &p); err != nil {
					return err
				}
				if strings.TrimSpace(p.Text) == "" {
					return fmt.Errorf("text is required")
				}
				return nil
			},
			Execute: exec("post-content"),
		},
		{
			Type:     "send-notification",
			Platform: "chat",
			Validate: func(payload json.RawMessage) error {
				var p sendNotificationPayload
				if err := strictUnmarshal(payload, &p); err != nil {
					return err
				}
				if strings.TrimSpace(p.Channel) == "" {
					return fmt.Errorf("channel is required")
				}
				if strings.TrimSpace(p.Body) == "" {
					return fmt.Errorf("body is required")
				}
				return nil
			},
			Execute: exec("send-notification"),
		},
		{
			Type:     "sync-repository",
			Platform: "forge",
			Validate: func(payload json.RawMessage) error {
				var p syncRepositoryPayload
				if err := strictUnmarshal(payload, &p); err != nil {
					return err
				}
				if strings.TrimSpace(p.Repository) == "" {
					return fmt.Errorf("repository is required")
				}
				return nil
			},
			Execute: exec("sync-repository"),
		},
	}
}

func strictUnmarshal(payload json.RawMessage, into any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return err
	}
	return nil
}

// NewHTTPExecutor returns an executor that POSTs the payload to an endpoint
// and maps the response status onto the failure taxonomy. Connection faults
// and timeouts are transient; the rest follow the status code.
func NewHTTPExecutor(client *http.Client, endpoint string, headers map[string]string) Executor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, InternalError("build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, TransientError("endpoint unreachable", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, TransientError("read response", err)
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if len(body) == 0 || !json.Valid(body) {
				return json.RawMessage(fmt.Sprintf(`{"status":%d}`, resp.StatusCode)), nil
			}
			return json.RawMessage(body), nil
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, ValidationError(statusMsg(resp.StatusCode, body), nil)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, AuthorizationError(statusMsg(resp.StatusCode, body), nil)
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, ResourceGoneError(statusMsg(resp.StatusCode, body), nil)
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, TransientError(statusMsg(resp.StatusCode, body), nil)
		default:
			return nil, InternalError(statusMsg(resp.StatusCode, body), nil)
		}
	}
}

func statusMsg(code int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return fmt.Sprintf("endpoint returned %d", code)
	}
	return fmt.Sprintf("endpoint returned %d: %s", code, text)
}
