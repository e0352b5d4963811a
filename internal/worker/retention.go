package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore defines the store operations needed by the retention worker.
type RetentionStore interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker periodically prunes session history older than the
// configured retention window.
type RetentionWorker struct {
	store     RetentionStore
	interval  time.Duration
	retention time.Duration
}

// NewRetentionWorker creates a worker with the given store, sweep interval,
// and retention window.
func NewRetentionWorker(store RetentionStore, interval, retention time.Duration) *RetentionWorker {
	return &RetentionWorker{
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT run immediately on start; history written moments ago is never
// old enough to prune.
func (w *RetentionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "history-retention",
		"interval", w.interval.String(),
		"retention", w.retention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "history-retention",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.runPrune(ctx)
		}
	}
}

// runPrune executes a single prune cycle.
func (w *RetentionWorker) runPrune(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-w.retention)

	slog.Debug("prune cycle started",
		"component", "worker",
		"action", "prune_start",
		"cutoff", cutoff.Format(time.RFC3339),
	)

	removed, err := w.store.PruneBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("prune failed",
			"component", "worker",
			"action", "prune_failed",
			"error", err,
		)
		return
	}

	duration := time.Since(start)
	slog.Info("prune cycle completed",
		"component", "worker",
		"action", "prune_complete",
		"removed", removed,
		"duration_ms", duration.Milliseconds(),
	)
}
