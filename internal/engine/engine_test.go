package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/dispatch"
	"steward/internal/domain"
	"steward/internal/migrate"
	"steward/internal/notify"
	"steward/internal/repo"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (Engine, *testClock, *notify.Recorder) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	registry := dispatch.NewRegistry()
	for _, spec := range dispatch.BuiltinSpecs(nil) {
		if err := registry.Register(spec); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default("steward-test")
	cfg.Governance.Tiers["wipe-archive"] = domain.TierUnanimousCouncil
	if err := registry.Register(dispatch.Spec{
		Type:     "wipe-archive",
		Platform: "archive",
		Execute: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	recorder := &notify.Recorder{}
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := New(conn, cfg, registry, recorder)
	e.Now = clock.Now
	e.Audit.Now = clock.Now
	e.Oracle.Now = clock.Now
	return e, clock, recorder
}

func enqueue(t *testing.T, e Engine, actionType, payload string) domain.Action {
	t.Helper()
	action, err := e.Enqueue(context.Background(), EnqueueRequest{
		Type:        actionType,
		Payload:     json.RawMessage(payload),
		RequestedBy: "agent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return action
}

func TestEnqueueAutonomousIsQueued(t *testing.T) {
	e, _, _ := newTestEngine(t)
	action := enqueue(t, e, "post-content", `{"text":"hello"}`)
	if action.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", action.Status)
	}
	if action.Tier != domain.TierAutonomous {
		t.Fatalf("tier = %s", action.Tier)
	}
	if action.Platform != "microblog" {
		t.Fatalf("platform = %s", action.Platform)
	}
}

func TestEnqueueGovernedWaitsForApproval(t *testing.T) {
	e, _, _ := newTestEngine(t)
	action := enqueue(t, e, "sync-repository", `{"repository":"infra/tools"}`)
	if action.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", action.Status)
	}
	if action.Tier != domain.TierOneApprover {
		t.Fatalf("tier = %s", action.Tier)
	}
}

func TestEnqueueEscalationBumpsTier(t *testing.T) {
	e, _, _ := newTestEngine(t)
	payload := map[string]any{"channel": "ops", "body": "blast", "recipients": make([]string, 51)}
	raw, _ := json.Marshal(payload)
	action, err := e.Enqueue(context.Background(), EnqueueRequest{
		Type: "send-notification", Payload: raw, RequestedBy: "agent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if action.Tier != domain.TierOneApprover {
		t.Fatalf("tier = %s, want escalated to one approver", action.Tier)
	}
	if action.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s", action.Status)
	}
}

func TestEnqueueInvalidPayloadPersistsNothing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Enqueue(context.Background(), EnqueueRequest{
		Type: "post-content", Payload: json.RawMessage(`{"text":""}`), RequestedBy: "agent-1",
	})
	if !errors.Is(err, dispatch.ErrInvalidPayload) {
		t.Fatalf("got %v, want ErrInvalidPayload", err)
	}
	actions, err := e.List(context.Background(), repo.ActionFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Fatalf("%d actions persisted after failed validation", len(actions))
	}
}

func TestEnqueueUnknownType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Enqueue(context.Background(), EnqueueRequest{
		Type: "mint-currency", Payload: json.RawMessage(`{}`), RequestedBy: "agent-1",
	})
	if !errors.Is(err, dispatch.ErrUnknownType) {
		t.Fatalf("got %v, want ErrUnknownType", err)
	}
}

func TestApproveOneApproverQueues(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "sync-repository", `{"repository":"infra/tools"}`)

	updated, progress, err := e.Approve(ctx, action.ID, "operator-1")
	if err != nil {
		t.Fatal(err)
	}
	if !progress.Queued || updated.Status != domain.StatusQueued {
		t.Fatalf("status = %s, progress = %+v", updated.Status, progress)
	}
}

func TestApproveCouncilNeedsUnanimity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "wipe-archive", `{}`)

	for i, approver := range []string{"operator-1", "operator-2"} {
		updated, progress, err := e.Approve(ctx, action.ID, approver)
		if err != nil {
			t.Fatal(err)
		}
		if progress.Queued {
			t.Fatalf("queued after %d of 3 approvals", i+1)
		}
		if updated.Status != domain.StatusPendingApproval {
			t.Fatalf("status = %s after partial approval", updated.Status)
		}
		if len(progress.Approvals) != i+1 || progress.Required != 3 {
			t.Fatalf("progress = %+v", progress)
		}
	}

	updated, progress, err := e.Approve(ctx, action.ID, "operator-3")
	if err != nil {
		t.Fatal(err)
	}
	if !progress.Queued || updated.Status != domain.StatusQueued {
		t.Fatalf("unanimous approval did not queue: %s %+v", updated.Status, progress)
	}
}

func TestApproveCouncilRejectsOutsiders(t *testing.T) {
	e, _, _ := newTestEngine(t)
	action := enqueue(t, e, "wipe-archive", `{}`)
	_, _, err := e.Approve(context.Background(), action.ID, "intruder")
	if !errors.Is(err, ErrNotCouncilMember) {
		t.Fatalf("got %v, want ErrNotCouncilMember", err)
	}
}

func TestApproveIsIdempotentPerApprover(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "wipe-archive", `{}`)

	for i := 0; i < 3; i++ {
		_, progress, err := e.Approve(ctx, action.ID, "operator-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(progress.Approvals) != 1 {
			t.Fatalf("repeat approval counted %d times", len(progress.Approvals))
		}
		if progress.Queued {
			t.Fatal("one member cannot stand in for the council")
		}
	}
}

func TestApproveNonPending(t *testing.T) {
	e, _, _ := newTestEngine(t)
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)
	_, _, err := e.Approve(context.Background(), action.ID, "operator-1")
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("got %v, want ErrNotPending", err)
	}
}

func TestApproveMissingAction(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, _, err := e.Approve(context.Background(), "no-such-id", "operator-1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRejectTerminatesWithoutAudit(t *testing.T) {
	e, _, recorder := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "sync-repository", `{"repository":"infra/tools"}`)

	updated, err := e.Reject(ctx, action.ID, "operator-2", "wrong repo")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusFailedTerminal {
		t.Fatalf("status = %s", updated.Status)
	}
	detail, err := e.Get(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Attempts) != 0 {
		t.Fatalf("rejection wrote %d audit records, want 0", len(detail.Attempts))
	}
	events := recorder.Events()
	if len(events) != 1 || events[0].ActionID != action.ID {
		t.Fatalf("notifier events = %+v", events)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)

	won, err := e.Claim(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Fatal("first claim should win")
	}
	won, err = e.Claim(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("second claim should lose")
	}
}

func TestClaimExclusiveUnderContention(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)

	const claimers = 8
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := e.Claim(ctx, action.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&wins); got != 1 {
		t.Fatalf("%d of %d claimers won, want exactly 1", got, claimers)
	}
}

func TestRecordOutcomeSuccess(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)
	if _, err := e.Claim(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	updated, err := e.RecordOutcome(ctx, action, json.RawMessage(`{"id":"remote-1"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s", updated.Status)
	}
	if updated.AttemptCount != 1 {
		t.Fatalf("attempt count = %d", updated.AttemptCount)
	}
	detail, err := e.Get(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Attempts) != 1 {
		t.Fatalf("audit records = %d, want 1", len(detail.Attempts))
	}
	rec := detail.Attempts[0]
	if rec.Attempt != 1 || rec.StatusBefore != domain.StatusQueued || rec.StatusAfter != domain.StatusSucceeded {
		t.Fatalf("audit record = %+v", rec)
	}
	if rec.ErrorKind != nil {
		t.Fatalf("success record carries error kind %s", *rec.ErrorKind)
	}
}

func TestTransientFailureBackoffLadder(t *testing.T) {
	e, clock, recorder := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)

	wantDelays := []time.Duration{6 * time.Minute, 15 * time.Minute, 30 * time.Minute}
	current := action
	for i, wantDelay := range wantDelays {
		if _, err := e.Claim(ctx, current.ID); err != nil {
			t.Fatal(err)
		}
		updated, err := e.RecordOutcome(ctx, current, nil, dispatch.TransientError("503 from target", nil))
		if err != nil {
			t.Fatal(err)
		}
		if updated.Status != domain.StatusFailedRetryable {
			t.Fatalf("attempt %d: status = %s", i+1, updated.Status)
		}
		if updated.NextAttemptAt == nil {
			t.Fatalf("attempt %d: no next_attempt_at", i+1)
		}
		wantNext := clock.Now().Add(wantDelay).Format(time.RFC3339)
		if *updated.NextAttemptAt != wantNext {
			t.Fatalf("attempt %d: next = %s, want %s", i+1, *updated.NextAttemptAt, wantNext)
		}

		// Not yet due just before the backoff elapses.
		clock.Advance(wantDelay - time.Second)
		due, err := e.DueForDispatch(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 0 {
			t.Fatalf("attempt %d: action due %v early", i+1, time.Second)
		}
		clock.Advance(time.Second)
		due, err = e.DueForDispatch(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 || due[0].ID != current.ID {
			t.Fatalf("attempt %d: due = %+v", i+1, due)
		}
		current = due[0]
	}

	// Fourth attempt exhausts the ceiling.
	if _, err := e.Claim(ctx, current.ID); err != nil {
		t.Fatal(err)
	}
	updated, err := e.RecordOutcome(ctx, current, nil, dispatch.TransientError("503 again", nil))
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusFailedTerminal {
		t.Fatalf("status after 4th attempt = %s, want failed_terminal", updated.Status)
	}
	if updated.AttemptCount != 4 {
		t.Fatalf("attempt count = %d, want 4", updated.AttemptCount)
	}
	detail, err := e.Get(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Attempts) != 4 {
		t.Fatalf("audit records = %d, want 4", len(detail.Attempts))
	}
	events := recorder.Events()
	if len(events) != 1 {
		t.Fatalf("terminal notifications = %d, want exactly 1", len(events))
	}
	if events[0].ErrorKind != domain.ErrKindTransient || events[0].Attempts != 4 {
		t.Fatalf("notification = %+v", events[0])
	}
}

func TestNonRetryableFailsTerminalImmediately(t *testing.T) {
	kinds := []struct {
		name string
		err  error
	}{
		{"validation", dispatch.ValidationError("bad field", nil)},
		{"authorization", dispatch.AuthorizationError("token revoked", nil)},
		{"resource_gone", dispatch.ResourceGoneError("thread deleted", nil)},
		{"internal", errors.New("nil pointer somewhere")},
	}
	for _, tc := range kinds {
		t.Run(tc.name, func(t *testing.T) {
			e, _, recorder := newTestEngine(t)
			ctx := context.Background()
			action := enqueue(t, e, "post-content", `{"text":"hi"}`)
			if _, err := e.Claim(ctx, action.ID); err != nil {
				t.Fatal(err)
			}
			updated, err := e.RecordOutcome(ctx, action, nil, tc.err)
			if err != nil {
				t.Fatal(err)
			}
			if updated.Status != domain.StatusFailedTerminal {
				t.Fatalf("status = %s, want terminal on first failure", updated.Status)
			}
			if updated.AttemptCount != 1 {
				t.Fatalf("attempt count = %d", updated.AttemptCount)
			}
			if len(recorder.Events()) != 1 {
				t.Fatalf("notifications = %d", len(recorder.Events()))
			}
		})
	}
}

func TestDeferDoesNotConsumeAttempt(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)
	if _, err := e.Claim(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	retryAt := clock.Now().Add(90 * time.Second)
	if err := e.Defer(ctx, action.ID, retryAt); err != nil {
		t.Fatal(err)
	}
	detail, err := e.Get(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Action.Status != domain.StatusDeferred {
		t.Fatalf("status = %s", detail.Action.Status)
	}
	if detail.Action.AttemptCount != 0 {
		t.Fatalf("deferral consumed an attempt: count = %d", detail.Action.AttemptCount)
	}
	if len(detail.Attempts) != 0 {
		t.Fatalf("deferral wrote %d audit records", len(detail.Attempts))
	}

	clock.Advance(89 * time.Second)
	due, err := e.DueForDispatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatal("deferred action due before retry time")
	}
	clock.Advance(time.Second)
	due, err = e.DueForDispatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatal("deferred action not due at retry time")
	}
}

func TestDueForDispatchOrdering(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()

	first := enqueue(t, e, "post-content", `{"text":"first"}`)
	clock.Advance(time.Minute)
	second := enqueue(t, e, "post-content", `{"text":"second"}`)
	clock.Advance(time.Minute)

	due, err := e.DueForDispatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Fatal("queued actions should dispatch oldest first")
	}

	limited, err := e.DueForDispatch(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != first.ID {
		t.Fatal("limit not applied in dispatch order")
	}
}

func TestRecoverStale(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	action := enqueue(t, e, "post-content", `{"text":"hi"}`)
	if _, err := e.Claim(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	// Young claims are left alone.
	n, err := e.RecoverStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("recovered %d young claims", n)
	}

	clock.Advance(3 * time.Minute)
	n, err = e.RecoverStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	got, err := e.Repo.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusQueued {
		t.Fatalf("recovered status = %s", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("recovery consumed an attempt: %d", got.AttemptCount)
	}
}
