package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"steward/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const actionColumns = `id,type,platform,tier,status,attempt_count,next_attempt_at,payload_json,result_json,error_kind,requested_by,created_at,updated_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var nextAttempt, result, errKind sql.NullString
	err := scan(&a.ID, &a.Type, &a.Platform, &a.Tier, &a.Status, &a.AttemptCount,
		&nextAttempt, &a.PayloadJSON, &result, &errKind, &a.RequestedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if nextAttempt.Valid {
		a.NextAttemptAt = &nextAttempt.String
	}
	if result.Valid {
		a.ResultJSON = &result.String
	}
	if errKind.Valid {
		a.ErrorKind = &errKind.String
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.Platform, a.Tier, a.Status, a.AttemptCount,
		nullableStringPtr(a.NextAttemptAt), a.PayloadJSON, nullableStringPtr(a.ResultJSON),
		nullableStringPtr(a.ErrorKind), a.RequestedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

type ActionFilters struct {
	Status          string
	Type            string
	Tier            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Tier != "" {
		clauses = append(clauses, "tier=?")
		args = append(args, f.Tier)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + actionColumns + ` FROM actions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DueForDispatch returns actions eligible for dispatch at `now`: queued, or
// deferred/retrying with next_attempt_at elapsed. NULL next_attempt_at sorts
// first under ASC, so freshly queued actions precede scheduled retries.
func (r Repo) DueForDispatch(ctx context.Context, now string, limit int) ([]domain.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions
WHERE status=? OR (status IN (?,?) AND next_attempt_at <= ?)
ORDER BY next_attempt_at ASC, created_at ASC`
	args := []any{domain.StatusQueued, domain.StatusDeferred, domain.StatusFailedRetryable, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkInFlight atomically claims an action for execution. The conditional
// UPDATE is the sole concurrency control point: of any number of concurrent
// callers, exactly one observes a claimable status and wins the row.
func (r Repo) MarkInFlight(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, updated_at=? WHERE id=? AND status IN (?,?,?)`,
		domain.StatusInFlight, now, id,
		domain.StatusQueued, domain.StatusDeferred, domain.StatusFailedRetryable)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeferAction releases a claimed action back to the deferred state without
// consuming an attempt. Used when the rate limiter blocks dispatch.
func (r Repo) DeferAction(ctx context.Context, id, until, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, next_attempt_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusDeferred, until, now, id, domain.StatusInFlight)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// UpdateOutcomeTx persists the post-dispatch state of an action.
func (r Repo) UpdateOutcomeTx(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, attempt_count=?, next_attempt_at=?, result_json=?, error_kind=?, updated_at=? WHERE id=?`,
		a.Status, a.AttemptCount, nullableStringPtr(a.NextAttemptAt), nullableStringPtr(a.ResultJSON),
		nullableStringPtr(a.ErrorKind), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatusTx moves an action from one status to another, failing with
// ErrInvalidTransition if the action is no longer in the expected state.
func (r Repo) SetStatusTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, now, id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecoverStaleInFlight re-queues actions claimed before `cutoff` whose
// outcomes were never recorded (crash mid-dispatch).
func (r Repo) RecoverStaleInFlight(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, updated_at=? WHERE status=? AND updated_at < ?`,
		domain.StatusQueued, now, domain.StatusInFlight, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountActionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// InsertApprovalTx records one approver's consent. Returns false when the
// approver had already approved (idempotent re-approval).
func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, ap domain.Approval) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO action_approvals(action_id, approver_id, approved_at) VALUES (?,?,?)`,
		ap.ActionID, ap.ApproverID, ap.ApprovedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ListApprovalsTx(ctx context.Context, tx *sql.Tx, actionID string) ([]domain.Approval, error) {
	rows, err := tx.QueryContext(ctx, `SELECT action_id, approver_id, approved_at FROM action_approvals WHERE action_id=? ORDER BY approved_at ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var ap domain.Approval
		if err := rows.Scan(&ap.ActionID, &ap.ApproverID, &ap.ApprovedAt); err != nil {
			return nil, err
		}
		res = append(res, ap)
	}
	return res, rows.Err()
}

func (r Repo) ListApprovals(ctx context.Context, actionID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action_id, approver_id, approved_at FROM action_approvals WHERE action_id=? ORDER BY approved_at ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var ap domain.Approval
		if err := rows.Scan(&ap.ActionID, &ap.ApproverID, &ap.ApprovedAt); err != nil {
			return nil, err
		}
		res = append(res, ap)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
