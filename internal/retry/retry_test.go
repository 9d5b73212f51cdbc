package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"steward/internal/domain"
)

func testScheduler() Scheduler {
	return Scheduler{
		MaxRetries: 3,
		Delays:     []time.Duration{6 * time.Minute, 15 * time.Minute, 30 * time.Minute},
	}
}

func TestNextDelayLadder(t *testing.T) {
	s := testScheduler()
	cases := []struct {
		retry int
		want  time.Duration
		ok    bool
	}{
		{1, 6 * time.Minute, true},
		{2, 15 * time.Minute, true},
		{3, 30 * time.Minute, true},
		{4, 0, false},
		{0, 0, false},
	}
	for _, tc := range cases {
		got, ok := s.NextDelay(tc.retry)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("NextDelay(%d) = (%v, %v), want (%v, %v)", tc.retry, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMaxAttempts(t *testing.T) {
	if got := testScheduler().MaxAttempts(); got != 4 {
		t.Fatalf("MaxAttempts = %d, want 4", got)
	}
}

type kindedErr struct {
	kind string
}

func (e kindedErr) Error() string { return "kinded: " + e.kind }
func (e kindedErr) Kind() string  { return e.kind }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"declared validation", kindedErr{domain.ErrKindValidation}, domain.ErrKindValidation},
		{"declared resource_gone", kindedErr{domain.ErrKindResourceGone}, domain.ErrKindResourceGone},
		{"wrapped kinded", fmt.Errorf("dispatch: %w", kindedErr{domain.ErrKindAuthorization}), domain.ErrKindAuthorization},
		{"deadline", context.DeadlineExceeded, domain.ErrKindTransient},
		{"wrapped deadline", fmt.Errorf("execute: %w", context.DeadlineExceeded), domain.ErrKindTransient},
		{"unknown", errors.New("boom"), domain.ErrKindInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: Classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRetryableOnlyTransient(t *testing.T) {
	kinds := []string{
		domain.ErrKindValidation,
		domain.ErrKindAuthorization,
		domain.ErrKindResourceGone,
		domain.ErrKindInternal,
	}
	for _, k := range kinds {
		if Retryable(k) {
			t.Fatalf("%s should not be retryable", k)
		}
	}
	if !Retryable(domain.ErrKindTransient) {
		t.Fatal("transient should be retryable")
	}
}
