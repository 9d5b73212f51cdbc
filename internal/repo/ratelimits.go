package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

// GetRateLimit loads the recorded pacing state for one platform/action-type
// pair. ErrNotFound means no attempt has ever been recorded.
func (r Repo) GetRateLimit(ctx context.Context, platform, actionType string) (domain.RateLimitState, error) {
	var st domain.RateLimitState
	row := r.DB.QueryRowContext(ctx, `SELECT platform, action_type, last_action_at, cooldown_seconds, window_count, window_reset_at
FROM rate_limits WHERE platform=? AND action_type=?`, platform, actionType)
	err := row.Scan(&st.Platform, &st.ActionType, &st.LastActionAt, &st.CooldownSeconds, &st.WindowCount, &st.WindowResetAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	return st, nil
}

// RecordRateLimitAttempt charges one dispatch against the pair's budget.
// Increment and lazy window reset happen inside the single upsert statement,
// so concurrent workers never lose counter updates. Timestamps are RFC3339
// UTC strings, which compare chronologically as text.
func (r Repo) RecordRateLimitAttempt(ctx context.Context, platform, actionType, now string, cooldownSeconds int, windowResetAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rate_limits(platform, action_type, last_action_at, cooldown_seconds, window_count, window_reset_at)
VALUES (?,?,?,?,1,?)
ON CONFLICT(platform, action_type) DO UPDATE SET
  last_action_at=excluded.last_action_at,
  cooldown_seconds=excluded.cooldown_seconds,
  window_count=CASE WHEN rate_limits.window_reset_at > excluded.last_action_at THEN rate_limits.window_count+1 ELSE 1 END,
  window_reset_at=CASE WHEN rate_limits.window_reset_at > excluded.last_action_at THEN rate_limits.window_reset_at ELSE excluded.window_reset_at END`,
		platform, actionType, now, cooldownSeconds, windowResetAt)
	return err
}
