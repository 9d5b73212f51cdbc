// Package retry decides whether and when a failed dispatch runs again.
package retry

import (
	"context"
	"errors"
	"time"

	"steward/internal/domain"
)

// Kinder is implemented by dispatch errors that carry their own failure kind.
type Kinder interface {
	error
	Kind() string
}

type Scheduler struct {
	MaxRetries int
	Delays     []time.Duration
}

// NextDelay returns the backoff before retry number `retry` (1-based) and
// whether a retry is allowed at all. The delay schedule is fixed, not
// computed: each slot is read from the configured ladder.
func (s Scheduler) NextDelay(retry int) (time.Duration, bool) {
	if retry < 1 || retry > s.MaxRetries {
		return 0, false
	}
	if retry > len(s.Delays) {
		return 0, false
	}
	return s.Delays[retry-1], true
}

// MaxAttempts is the total number of dispatches an action may consume:
// the initial attempt plus every allowed retry.
func (s Scheduler) MaxAttempts() int {
	return s.MaxRetries + 1
}

// Classify maps an execution error to a failure kind. A nil error has no
// kind. Errors that declare their own kind win; a deadline or cancellation
// means the external system may yet recover, so it counts as transient.
// Everything unrecognized is internal: retrying an unknown failure blindly
// is worse than stopping.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ErrKindTransient
	}
	return domain.ErrKindInternal
}

// Retryable reports whether a failure kind may be attempted again.
// Only transient failures qualify: validation and authorization failures are
// deterministic, a gone resource stays gone, and internal faults need a human.
func Retryable(kind string) bool {
	return kind == domain.ErrKindTransient
}
