// Package ratelimit paces outbound actions per platform and action type.
// The oracle answers "may this go out now" from recorded attempt state; it
// never mutates on the query path, so asking is always safe.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"steward/internal/config"
	"steward/internal/repo"
)

type Oracle struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func (o Oracle) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Decision is the oracle's verdict for a single dispatch.
type Decision struct {
	Allowed bool
	RetryAt time.Time
	Reason  string
}

// CanProceed checks cooldown and rolling-window budget for the pair. A pair
// with no configured policy is unconstrained. The check reads state only:
// recording an attempt is a separate, explicit step taken after dispatch.
func (o Oracle) CanProceed(ctx context.Context, platform, actionType string) (Decision, error) {
	policy, ok := o.Config.RateLimitFor(platform, actionType)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	state, err := o.Repo.GetRateLimit(ctx, platform, actionType)
	if errors.Is(err, repo.ErrNotFound) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	now := o.now()

	lastAt, err := time.Parse(time.RFC3339, state.LastActionAt)
	if err != nil {
		return Decision{}, err
	}
	cooldownEnds := lastAt.Add(policy.Cooldown.Std())
	if now.Before(cooldownEnds) {
		return Decision{RetryAt: cooldownEnds, Reason: "cooldown"}, nil
	}

	if policy.MaxPerWindow > 0 && state.WindowResetAt != "" {
		resetAt, err := time.Parse(time.RFC3339, state.WindowResetAt)
		if err != nil {
			return Decision{}, err
		}
		if now.Before(resetAt) && state.WindowCount >= policy.MaxPerWindow {
			return Decision{RetryAt: resetAt, Reason: "window budget exhausted"}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordAttempt charges one dispatch against the pair's budget. The window
// counter resets lazily when the recorded reset time has passed. Increment
// and reset both happen inside a single statement in the store, so tick
// workers recording the same pair concurrently cannot lose updates.
func (o Oracle) RecordAttempt(ctx context.Context, platform, actionType string) error {
	policy, ok := o.Config.RateLimitFor(platform, actionType)
	if !ok {
		return nil
	}
	now := o.now()
	return o.Repo.RecordRateLimitAttempt(ctx, platform, actionType,
		now.Format(time.RFC3339),
		int(policy.Cooldown.Std()/time.Second),
		now.Add(policy.Window.Std()).Format(time.RFC3339))
}
