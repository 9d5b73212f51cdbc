// Package loop runs the scheduler daemon: tick, claim, pace, dispatch,
// record. One loop per workspace, enforced by the workspace lock.
package loop

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steward/internal/config"
	"steward/internal/dispatch"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/notify"
	"steward/internal/ratelimit"
)

type Loop struct {
	Log *zap.Logger

	mu       sync.Mutex
	eng      engine.Engine
	conn     *sql.DB
	registry *dispatch.Registry
	notifier notify.Notifier

	ticks      int64
	lastTickAt time.Time
	lastErr    error
}

func New(conn *sql.DB, cfg *config.Config, registry *dispatch.Registry, notifier notify.Notifier, log *zap.Logger) *Loop {
	return &Loop{
		Log:      log,
		eng:      engine.New(conn, cfg, registry, notifier),
		conn:     conn,
		registry: registry,
		notifier: notifier,
	}
}

func (l *Loop) engine() engine.Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eng
}

// Reload swaps in a new validated policy. In-flight dispatches keep the
// engine they started with; the next tick sees the new one.
func (l *Loop) Reload(cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eng = engine.New(l.conn, cfg, l.registry, l.notifier)
	l.Log.Info("policy reloaded",
		zap.Int("max_retries", cfg.Retry.MaxRetries),
		zap.Duration("tick", cfg.Loop.Tick.Std()),
		zap.Int("workers", cfg.Loop.Workers))
}

// Run drives ticks until the context is cancelled, then drains: dispatches
// already started finish and their outcomes are recorded before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	eng := l.engine()
	recovered, err := eng.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		l.Log.Warn("requeued stale in-flight actions", zap.Int64("count", recovered))
	}

	l.tick(ctx)
	ticker := time.NewTicker(eng.Config.Loop.Tick.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Log.Info("scheduler stopping", zap.Int64("ticks", l.Ticks()))
			return nil
		case <-ticker.C:
			l.tick(ctx)
			// Tick may have been retuned by a reload.
			ticker.Reset(l.engine().Config.Loop.Tick.Std())
		}
	}
}

// tick claims and dispatches one batch of due actions. Every tick first
// requeues stale claims, so an action orphaned by a failed outcome write is
// picked up again once it ages past the recovery cutoff.
func (l *Loop) tick(ctx context.Context) {
	eng := l.engine()
	start := time.Now()

	if n, err := eng.RecoverStale(ctx); err != nil {
		l.recordTick(err)
		l.Log.Error("recover stale claims", zap.Error(err))
		return
	} else if n > 0 {
		l.Log.Warn("requeued stale in-flight actions", zap.Int64("count", n))
	}

	due, err := eng.DueForDispatch(ctx, eng.Config.Loop.TickBudget)
	if err != nil {
		l.recordTick(err)
		l.Log.Error("list due actions", zap.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(eng.Config.Loop.Workers)
	for _, action := range due {
		if ctx.Err() != nil {
			// Shutting down: stop claiming, let started work drain.
			break
		}
		action := action
		g.Go(func() error {
			return l.dispatchOne(ctx, eng, action)
		})
	}
	// The first worker error carries into the health snapshot; a clean
	// batch clears any error from earlier ticks.
	l.recordTick(g.Wait())
	if len(due) > 0 {
		l.Log.Info("tick complete",
			zap.Int("due", len(due)),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// dispatchOne runs the full claim/pace/execute/record sequence for one
// action. Outcome recording uses a fresh context so a shutdown signal
// arriving mid-dispatch cannot lose the attempt. A non-nil return marks
// the tick degraded.
func (l *Loop) dispatchOne(ctx context.Context, eng engine.Engine, claimed domain.Action) error {
	log := l.Log.With(
		zap.String("action_id", claimed.ID),
		zap.String("type", claimed.Type),
		zap.Int("attempt", claimed.AttemptCount+1))

	won, err := eng.Claim(ctx, claimed.ID)
	if err != nil {
		log.Error("claim", zap.Error(err))
		return err
	}
	if !won {
		return nil
	}

	decision, limitErr := eng.Oracle.CanProceed(ctx, claimed.Platform, claimed.Type)
	if limitErr != nil {
		// Fail closed: an unreadable limiter defers, it never dispatches.
		log.Error("rate limit check", zap.Error(limitErr))
		decision = ratelimit.Decision{Reason: "rate limit state unreadable"}
	}
	if !decision.Allowed {
		retryAt := decision.RetryAt
		if retryAt.IsZero() {
			retryAt = time.Now().UTC().Add(eng.Config.Loop.Tick.Std())
		}
		if err := eng.Defer(ctx, claimed.ID, retryAt); err != nil {
			log.Error("defer", zap.Error(err))
			return err
		}
		log.Info("deferred by rate limit",
			zap.String("reason", decision.Reason),
			zap.Time("retry_at", retryAt))
		return limitErr
	}

	spec, err := eng.Registry.Lookup(claimed.Type)
	if err != nil {
		return l.finish(log, eng, claimed, nil, dispatch.InternalError("action type no longer registered", err))
	}
	if err := eng.Oracle.RecordAttempt(ctx, claimed.Platform, claimed.Type); err != nil {
		log.Error("record rate limit attempt", zap.Error(err))
	}

	execCtx, cancel := context.WithTimeout(context.Background(), eng.Config.Loop.DispatchTimeout.Std())
	result, execErr := spec.Execute(execCtx, json.RawMessage(claimed.PayloadJSON))
	cancel()
	return l.finish(log, eng, claimed, result, execErr)
}

func (l *Loop) finish(log *zap.Logger, eng engine.Engine, claimed domain.Action, result json.RawMessage, execErr error) error {
	recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	updated, err := eng.RecordOutcome(recordCtx, claimed, result, execErr)
	if err != nil {
		log.Error("record outcome", zap.Error(err))
		return err
	}
	switch {
	case execErr == nil:
		log.Info("dispatched", zap.String("status", updated.Status))
	case updated.NextAttemptAt != nil:
		log.Warn("dispatch failed, will retry",
			zap.String("error_kind", deref(updated.ErrorKind)),
			zap.String("next_attempt_at", *updated.NextAttemptAt),
			zap.Error(execErr))
	default:
		log.Error("dispatch failed terminally",
			zap.String("error_kind", deref(updated.ErrorKind)),
			zap.Error(execErr))
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (l *Loop) recordTick(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks++
	l.lastTickAt = time.Now().UTC()
	l.lastErr = err
}

func (l *Loop) Ticks() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}

// Status is a point-in-time health snapshot.
type Status struct {
	Ticks      int64          `json:"ticks"`
	LastTickAt string         `json:"last_tick_at,omitempty"`
	Degraded   bool           `json:"degraded"`
	LastError  string         `json:"last_error,omitempty"`
	Queue      map[string]int `json:"queue"`
}

func (l *Loop) Status(ctx context.Context) (Status, error) {
	eng := l.engine()
	counts, err := eng.StatusCounts(ctx)
	if err != nil {
		return Status{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Ticks: l.ticks, Queue: counts}
	if !l.lastTickAt.IsZero() {
		st.LastTickAt = l.lastTickAt.Format(time.RFC3339)
	}
	if l.lastErr != nil {
		st.Degraded = true
		st.LastError = l.lastErr.Error()
	}
	return st, nil
}

// WatchPolicy reloads the policy file when it changes on disk. A file that
// fails to parse or validate is logged and ignored; the running policy
// stays in force.
func (l *Loop) WatchPolicy(ctx context.Context, workspace string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	path := config.Path(workspace)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				l.Log.Warn("policy file change rejected", zap.Error(err))
				continue
			}
			l.Reload(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Log.Warn("policy watcher", zap.Error(err))
		}
	}
}
