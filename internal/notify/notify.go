// Package notify surfaces terminal failures to an operator.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event describes one action that will never be attempted again.
type Event struct {
	ActionID  string `json:"action_id"`
	Type      string `json:"type"`
	Platform  string `json:"platform"`
	Tier      string `json:"tier"`
	ErrorKind string `json:"error_kind"`
	Summary   string `json:"summary"`
	Attempts  int    `json:"attempts"`
	TS        string `json:"ts"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes terminal failures to the structured log. It is the
// default sink: the audit trail already has the full record, so the log
// entry is a pointer, not the source of truth.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) {
	n.Log.Warn("action failed terminally",
		zap.String("action_id", ev.ActionID),
		zap.String("type", ev.Type),
		zap.String("platform", ev.Platform),
		zap.String("tier", ev.Tier),
		zap.String("error_kind", ev.ErrorKind),
		zap.Int("attempts", ev.Attempts),
		zap.String("summary", ev.Summary),
	)
}

// WebhookNotifier POSTs each event to an operator endpoint. Delivery is
// best-effort: a failed notification is logged and dropped, never retried,
// so the scheduler cannot wedge on its own alerting.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Log    *zap.Logger
}

func (n WebhookNotifier) Notify(ctx context.Context, ev Event) {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.Log.Error("encode notification", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		n.Log.Error("build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		n.Log.Warn("deliver notification", zap.String("action_id", ev.ActionID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.Log.Warn("notification rejected",
			zap.String("action_id", ev.ActionID),
			zap.String("status", fmt.Sprintf("%d", resp.StatusCode)))
	}
}

// FuncNotifier adapts a function; used by tests.
type FuncNotifier func(ctx context.Context, ev Event)

func (f FuncNotifier) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Recorder collects events for inspection in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
