package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = 5 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically deletes
// turn records older than retention. It stops when ctx is done.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}
	if interval <= 0 {
		interval = retentionWorkerInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneTurnRecords(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneTurnRecords(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PruneTurnRecords(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during prune", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune turn records", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned turn records", "count", deleted)
	}
}
