package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/ladderguard/internal/metrics"
)

// Sweeper removes expired entries from a state store
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// CleanupManager periodically purges expired guard records from the store
type CleanupManager struct {
	store    Sweeper
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(store Sweeper, logger *slog.Logger, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		store:    store,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep; it blocks until Stop or ctx is done
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce sweeps the store a single time and returns the number of entries removed
func (cm *CleanupManager) RunOnce(ctx context.Context) int64 {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	removed, err := cm.store.Sweep(sweepCtx)
	if err != nil {
		metrics.StoreError("sweep")
		cm.logger.Error("failed to sweep expired records", slog.Any("error", err))
		return 0
	}

	metrics.Swept(removed)
	if removed > 0 {
		cm.logger.Info("expired record sweep completed", slog.Int64("removed", removed))
	}
	return removed
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
