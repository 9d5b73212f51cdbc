package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

const auditColumns = `id, action_id, attempt, tier, status_before, status_after, error_kind, summary, ts`

func scanAuditRecord(scan func(dest ...any) error) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var errKind sql.NullString
	err := scan(&rec.ID, &rec.ActionID, &rec.Attempt, &rec.Tier, &rec.StatusBefore,
		&rec.StatusAfter, &errKind, &rec.Summary, &rec.TS)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if errKind.Valid {
		rec.ErrorKind = &errKind.String
	}
	return rec, nil
}

// ListAuditRecords returns the dispatch history of one action in attempt order.
func (r Repo) ListAuditRecords(ctx context.Context, actionID string) ([]domain.AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE action_id=? ORDER BY attempt ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

// TailAuditRecords returns the most recent records across all actions,
// newest first.
func (r Repo) TailAuditRecords(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

// AuditRecordsSince returns records with id greater than afterID in insertion
// order, for incremental tailing.
func (r Repo) AuditRecordsSince(ctx context.Context, afterID int64, limit int) ([]domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

func collectAuditRecords(rows *sql.Rows) ([]domain.AuditRecord, error) {
	var res []domain.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
