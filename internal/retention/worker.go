// Package retention sweeps expired session state in the background.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the sweep period used when none is given.
const DefaultInterval = 5 * time.Minute

// SessionStore is the subset of the repository the worker needs.
type SessionStore interface {
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
	CleanupIdleUsers(ctx context.Context, ttl time.Duration) (int64, error)
}

// Pruner drops in-memory per-user state idle for longer than the TTL.
type Pruner interface {
	Prune(idle time.Duration) int
}

// Worker removes chat sessions and users idle for longer than TTL, and
// prunes in-memory per-user state such as rate limiter buckets.
type Worker struct {
	Store    SessionStore
	Pruners  []Pruner
	TTL      time.Duration
	Interval time.Duration
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", w.TTL)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one cleanup pass. Sessions go first so that users left
// without sessions become eligible in the same pass.
func (w *Worker) Sweep(ctx context.Context) {
	sessions, err := w.Store.CleanupExpiredSessions(ctx, w.TTL)
	if err != nil {
		slog.Error("Retention worker failed to cleanup expired sessions", "error", err)
	} else if sessions > 0 {
		slog.Info("Retention worker removed expired sessions", "count", sessions)
	}

	users, err := w.Store.CleanupIdleUsers(ctx, w.TTL)
	if err != nil {
		slog.Error("Retention worker failed to cleanup idle users", "error", err)
	} else if users > 0 {
		slog.Info("Retention worker removed idle users", "count", users)
	}

	for _, p := range w.Pruners {
		if n := p.Prune(w.TTL); n > 0 {
			slog.Debug("Retention worker pruned in-memory state", "count", n)
		}
	}
}
