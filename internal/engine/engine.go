// Package engine owns every action status transition. All writes go through
// it; the loop, the server, and the CLI are callers.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/audit"
	"steward/internal/config"
	"steward/internal/dispatch"
	"steward/internal/domain"
	"steward/internal/gate"
	"steward/internal/notify"
	"steward/internal/ratelimit"
	"steward/internal/repo"
	"steward/internal/retry"
)

var (
	ErrNotCouncilMember = errors.New("approver is not on the council")
	ErrNotPending       = errors.New("action is not pending approval")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Gate     gate.Gate
	Retry    retry.Scheduler
	Oracle   ratelimit.Oracle
	Registry *dispatch.Registry
	Notifier notify.Notifier
	Config   *config.Config
	Now      func() time.Time
}

// New wires an engine over an open database and validated config.
func New(conn *sql.DB, cfg *config.Config, registry *dispatch.Registry, notifier notify.Notifier) Engine {
	now := func() time.Time { return time.Now().UTC() }
	r := repo.Repo{DB: conn}
	delays := make([]time.Duration, len(cfg.Retry.Delays))
	for i, d := range cfg.Retry.Delays {
		delays[i] = d.Std()
	}
	return Engine{
		DB:       conn,
		Repo:     r,
		Audit:    audit.Writer{Now: now},
		Gate:     gate.Gate{Governance: cfg.Governance},
		Retry:    retry.Scheduler{MaxRetries: cfg.Retry.MaxRetries, Delays: delays},
		Oracle:   ratelimit.Oracle{Repo: r, Config: cfg, Now: now},
		Registry: registry,
		Notifier: notifier,
		Config:   cfg,
		Now:      now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

type EnqueueRequest struct {
	Type        string
	Payload     json.RawMessage
	RequestedBy string
}

// Enqueue validates the payload, classifies the governance tier, and
// persists the action. Autonomous actions land queued; everything else
// waits in pending_approval. Nothing is persisted when validation fails.
func (e Engine) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Action, error) {
	if err := e.Registry.CheckPayload(req.Type, req.Payload); err != nil {
		return domain.Action{}, err
	}
	spec, err := e.Registry.Lookup(req.Type)
	if err != nil {
		return domain.Action{}, err
	}
	tier, err := e.Gate.Classify(req.Type, req.Payload)
	if err != nil {
		return domain.Action{}, fmt.Errorf("%w: %s", dispatch.ErrInvalidPayload, err.Error())
	}
	status := domain.StatusQueued
	if tier != domain.TierAutonomous {
		status = domain.StatusPendingApproval
	}
	now := e.stamp()
	action := domain.Action{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Platform:    spec.Platform,
		Tier:        tier,
		Status:      status,
		PayloadJSON: string(req.Payload),
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAction(ctx, tx, action); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return action, nil
}

// ApprovalProgress reports how far a pending action is through its tier's
// approval requirement after one Approve call.
type ApprovalProgress struct {
	Approvals []string
	Required  int
	Queued    bool
}

// Approve records one approver's consent. A one-approver action queues
// immediately; a council action queues only once every council member has
// approved. Re-approval by the same identity is idempotent.
func (e Engine) Approve(ctx context.Context, actionID, approverID string) (domain.Action, ApprovalProgress, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, ApprovalProgress{}, err
	}
	defer tx.Rollback()

	action, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.Action{}, ApprovalProgress{}, err
	}
	if action.Status != domain.StatusPendingApproval {
		return domain.Action{}, ApprovalProgress{}, fmt.Errorf("%w: status is %s", ErrNotPending, action.Status)
	}
	if action.Tier == domain.TierUnanimousCouncil && !e.Gate.IsCouncilMember(approverID) {
		return domain.Action{}, ApprovalProgress{}, fmt.Errorf("%w: %s", ErrNotCouncilMember, approverID)
	}

	now := e.stamp()
	if _, err := e.Repo.InsertApprovalTx(ctx, tx, domain.Approval{
		ActionID:   actionID,
		ApproverID: approverID,
		ApprovedAt: now,
	}); err != nil {
		return domain.Action{}, ApprovalProgress{}, err
	}

	approvals, err := e.Repo.ListApprovalsTx(ctx, tx, actionID)
	if err != nil {
		return domain.Action{}, ApprovalProgress{}, err
	}
	progress := ApprovalProgress{Required: e.Gate.RequiredApprovals(action.Tier)}
	for _, ap := range approvals {
		if action.Tier == domain.TierUnanimousCouncil && !e.Gate.IsCouncilMember(ap.ApproverID) {
			// Roster shrank since this approval; it no longer counts.
			continue
		}
		progress.Approvals = append(progress.Approvals, ap.ApproverID)
	}

	if len(progress.Approvals) >= progress.Required {
		if err := e.Repo.SetStatusTx(ctx, tx, actionID, domain.StatusPendingApproval, domain.StatusQueued, now); err != nil {
			return domain.Action{}, ApprovalProgress{}, err
		}
		action.Status = domain.StatusQueued
		action.UpdatedAt = now
		progress.Queued = true
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, ApprovalProgress{}, err
	}
	return action, progress, nil
}

// Reject moves a pending action straight to failed_terminal. No dispatch
// ever happened, so no audit record is written; the rejection reason lands
// in the action's result.
func (e Engine) Reject(ctx context.Context, actionID, approverID, reason string) (domain.Action, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	action, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	if action.Status != domain.StatusPendingApproval {
		return domain.Action{}, fmt.Errorf("%w: status is %s", ErrNotPending, action.Status)
	}
	if action.Tier == domain.TierUnanimousCouncil && !e.Gate.IsCouncilMember(approverID) {
		return domain.Action{}, fmt.Errorf("%w: %s", ErrNotCouncilMember, approverID)
	}

	now := e.stamp()
	verdict, _ := json.Marshal(map[string]string{"rejected_by": approverID, "reason": reason})
	kind := domain.ErrKindAuthorization
	action.Status = domain.StatusFailedTerminal
	resultJSON := string(verdict)
	action.ResultJSON = &resultJSON
	action.ErrorKind = &kind
	action.UpdatedAt = now
	if err := e.Repo.UpdateOutcomeTx(ctx, tx, action); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	e.notifyTerminal(ctx, action, 0, fmt.Sprintf("rejected by %s: %s", approverID, reason))
	return action, nil
}

// DueForDispatch lists actions eligible to run right now.
func (e Engine) DueForDispatch(ctx context.Context, limit int) ([]domain.Action, error) {
	return e.Repo.DueForDispatch(ctx, e.stamp(), limit)
}

// Claim performs the atomic queued-to-in_flight transition. A false return
// means another worker got there first; the caller simply moves on.
func (e Engine) Claim(ctx context.Context, actionID string) (bool, error) {
	return e.Repo.MarkInFlight(ctx, actionID, e.stamp())
}

// Defer releases a claimed action until `until` without consuming an
// attempt or writing an audit record. Rate-limit pushback is pacing, not
// failure.
func (e Engine) Defer(ctx context.Context, actionID string, until time.Time) error {
	return e.Repo.DeferAction(ctx, actionID, until.Format(time.RFC3339), e.stamp())
}

// RecordOutcome persists the result of one dispatch attempt together with
// its audit record in a single transaction. `claimed` must be the snapshot
// returned by DueForDispatch, so the audit row carries the status the
// action held before the claim.
func (e Engine) RecordOutcome(ctx context.Context, claimed domain.Action, result json.RawMessage, execErr error) (domain.Action, error) {
	attempt := claimed.AttemptCount + 1
	kind := retry.Classify(execErr)
	now := e.now()
	stamp := now.Format(time.RFC3339)

	action := claimed
	action.AttemptCount = attempt
	action.UpdatedAt = stamp
	action.NextAttemptAt = nil
	action.ErrorKind = nil

	var summary string
	switch {
	case execErr == nil:
		action.Status = domain.StatusSucceeded
		if len(result) > 0 {
			resultJSON := string(result)
			action.ResultJSON = &resultJSON
		}
		summary = fmt.Sprintf("dispatched to %s", action.Platform)
	default:
		action.ErrorKind = &kind
		summary = truncate(execErr.Error(), 500)
		delay, ok := e.Retry.NextDelay(attempt)
		if retry.Retryable(kind) && ok {
			action.Status = domain.StatusFailedRetryable
			next := now.Add(delay).Format(time.RFC3339)
			action.NextAttemptAt = &next
		} else {
			action.Status = domain.StatusFailedTerminal
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOutcomeTx(ctx, tx, action); err != nil {
		return domain.Action{}, err
	}
	if err := e.Audit.Append(ctx, tx, domain.AuditRecord{
		ActionID:     action.ID,
		Attempt:      attempt,
		Tier:         action.Tier,
		StatusBefore: claimed.Status,
		StatusAfter:  action.Status,
		ErrorKind:    action.ErrorKind,
		Summary:      summary,
		TS:           stamp,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	if action.Status == domain.StatusFailedTerminal {
		e.notifyTerminal(ctx, action, attempt, summary)
	}
	return action, nil
}

// RecoverStale re-queues in_flight actions whose claim is older than twice
// the dispatch timeout. Run once at startup: any such claim belongs to a
// dead process.
func (e Engine) RecoverStale(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-2 * e.Config.Loop.DispatchTimeout.Std()).Format(time.RFC3339)
	return e.Repo.RecoverStaleInFlight(ctx, cutoff, e.stamp())
}

// ActionDetail bundles an action with its approvals and full dispatch
// history.
type ActionDetail struct {
	Action    domain.Action
	Approvals []domain.Approval
	Attempts  []domain.AuditRecord
}

func (e Engine) Get(ctx context.Context, actionID string) (ActionDetail, error) {
	action, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return ActionDetail{}, err
	}
	approvals, err := e.Repo.ListApprovals(ctx, actionID)
	if err != nil {
		return ActionDetail{}, err
	}
	attempts, err := e.Repo.ListAuditRecords(ctx, actionID)
	if err != nil {
		return ActionDetail{}, err
	}
	return ActionDetail{Action: action, Approvals: approvals, Attempts: attempts}, nil
}

func (e Engine) List(ctx context.Context, f repo.ActionFilters) ([]domain.Action, error) {
	return e.Repo.ListActions(ctx, f)
}

func (e Engine) StatusCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountActionsByStatus(ctx)
}

func (e Engine) notifyTerminal(ctx context.Context, action domain.Action, attempts int, summary string) {
	if e.Notifier == nil {
		return
	}
	kind := ""
	if action.ErrorKind != nil {
		kind = *action.ErrorKind
	}
	e.Notifier.Notify(ctx, notify.Event{
		ActionID:  action.ID,
		Type:      action.Type,
		Platform:  action.Platform,
		Tier:      action.Tier,
		ErrorKind: kind,
		Summary:   summary,
		Attempts:  attempts,
		TS:        action.UpdatedAt,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
