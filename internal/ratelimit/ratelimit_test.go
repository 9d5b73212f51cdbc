package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/migrate"
	"steward/internal/repo"
)

func testOracle(t *testing.T, now *time.Time) Oracle {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default("steward-test")
	cfg.RateLimits = map[string]map[string]config.RateLimitPolicy{
		"microblog": {
			"post-content": {
				Cooldown:     config.Duration(90 * time.Second),
				Window:       config.Duration(time.Hour),
				MaxPerWindow: 3,
			},
		},
	}
	return Oracle{
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Now:    func() time.Time { return *now },
	}
}

func TestCanProceedNoPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testOracle(t, &now)
	d, err := o.CanProceed(context.Background(), "chat", "send-notification")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("unconstrained pair should proceed")
	}
}

func TestCanProceedFirstAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testOracle(t, &now)
	d, err := o.CanProceed(context.Background(), "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("pair with no recorded attempts should proceed")
	}
}

func TestCooldownBlocksThenClears(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testOracle(t, &now)
	if err := o.RecordAttempt(ctx, "microblog", "post-content"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Second)
	d, err := o.CanProceed(ctx, "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("dispatch inside cooldown should be blocked")
	}
	wantRetry := time.Date(2026, 3, 1, 12, 1, 30, 0, time.UTC)
	if !d.RetryAt.Equal(wantRetry) {
		t.Fatalf("RetryAt = %v, want %v", d.RetryAt, wantRetry)
	}

	now = wantRetry
	d, err = o.CanProceed(ctx, "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("dispatch at cooldown end should proceed")
	}
}

func TestWindowBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testOracle(t, &now)

	windowStart := now
	for i := 0; i < 3; i++ {
		if err := o.RecordAttempt(ctx, "microblog", "post-content"); err != nil {
			t.Fatal(err)
		}
		now = now.Add(2 * time.Minute)
	}

	d, err := o.CanProceed(ctx, "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("fourth dispatch in the window should be blocked")
	}
	wantReset := windowStart.Add(time.Hour)
	if !d.RetryAt.Equal(wantReset) {
		t.Fatalf("RetryAt = %v, want window reset %v", d.RetryAt, wantReset)
	}

	// Past the window reset, budget is fresh again.
	now = wantReset.Add(time.Second)
	d, err = o.CanProceed(ctx, "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("dispatch after window reset should proceed")
	}
	if err := o.RecordAttempt(ctx, "microblog", "post-content"); err != nil {
		t.Fatal(err)
	}
	state, err := o.Repo.GetRateLimit(ctx, "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if state.WindowCount != 1 {
		t.Fatalf("window count after reset = %d, want 1", state.WindowCount)
	}
}

func TestRecordAttemptConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testOracle(t, &now)

	const workers = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.RecordAttempt(ctx, "microblog", "post-content"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	state, err := o.Repo.GetRateLimit(ctx, "microblog", "post-content")
	if err != nil {
		t.Fatal(err)
	}
	if state.WindowCount != workers {
		t.Fatalf("window count = %d after %d concurrent attempts", state.WindowCount, workers)
	}
}
