// Package audit appends immutable dispatch records. One record per dispatch
// attempt, written in the same transaction as the status change it describes.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"steward/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// Append inserts one audit record inside the caller's transaction. The
// (action_id, attempt) pair is unique: a duplicate append for the same
// attempt is a programming error and surfaces as a constraint violation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec domain.AuditRecord) error {
	if rec.ActionID == "" {
		return errors.New("action_id required")
	}
	if rec.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	if rec.TS == "" {
		rec.TS = w.now().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_records(action_id, attempt, tier, status_before, status_after, error_kind, summary, ts)
VALUES (?,?,?,?,?,?,?,?)`,
		rec.ActionID, rec.Attempt, rec.Tier, rec.StatusBefore, rec.StatusAfter,
		nullableKind(rec.ErrorKind), rec.Summary, rec.TS)
	return err
}

func nullableKind(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
