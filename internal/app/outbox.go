package app

import (
	"context"
	"time"
)

// RunOutboxMaintenance deletes published outbox rows past retention and
// logs processor stats until ctx is done.
func (c *Container) RunOutboxMaintenance(ctx context.Context) {
	cfg := c.Config
	cleanupEvery := cfg.OutboxCleanupInterval
	if cleanupEvery <= 0 {
		cleanupEvery = time.Hour
	}
	statsEvery := cfg.OutboxStatsInterval
	if statsEvery <= 0 {
		statsEvery = time.Minute
	}

	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			c.CleanupOutbox(ctx)
		case <-stats.C:
			c.LogOutboxStats()
		}
	}
}

// CleanupOutbox deletes published messages older than the retention.
func (c *Container) CleanupOutbox(ctx context.Context) {
	days := c.Config.OutboxRetentionDays
	if days <= 0 {
		return
	}
	deleted, err := c.OutboxRepo.DeleteOld(ctx, days)
	if err != nil {
		c.Logger.Error("outbox cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		c.Logger.Info("outbox cleanup completed", "deleted", deleted, "retention_days", days)
	}
}

// LogOutboxStats logs the processor counters and lag.
func (c *Container) LogOutboxStats() {
	stats := c.OutboxProcessor.GetStats()
	c.Logger.Info("outbox stats",
		"running", stats.IsRunning,
		"published", stats.PublishedCount,
		"failed", stats.FailedCount,
		"dead", stats.DeadCount,
		"lag_seconds", stats.LagSeconds,
		"oldest_message_at", stats.OldestMessageAt,
		"last_processed_at", stats.LastProcessedAt,
		"last_error_at", stats.LastErrorAt,
		"last_error", stats.LastError,
	)
}
