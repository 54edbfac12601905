package cache

import (
	"context"
	"log/slog"
	"time"
)

// StatsSource is implemented by RedisCorrelationStore.
type StatsSource interface {
	Stats(ctx context.Context) (StoreStats, error)
}

// StoreMonitor periodically logs the tenant's key count and live channels.
type StoreMonitor struct {
	logger   *slog.Logger
	source   StatsSource
	interval time.Duration
}

func NewStoreMonitor(logger *slog.Logger, source StatsSource, interval time.Duration) *StoreMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StoreMonitor{logger: logger, source: source, interval: interval}
}

func (m *StoreMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.reportOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *StoreMonitor) reportOnce(ctx context.Context) {
	stats, err := m.source.Stats(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.ErrorContext(ctx, "store stats iteration failed",
			"module", "cache.store_monitor",
			"layer", "adapter",
			"operation", "store_stats",
			"outcome", "failure",
			"error", err,
		)
		return
	}
	m.logger.InfoContext(ctx, "correlation store stats",
		"module", "cache.store_monitor",
		"layer", "adapter",
		"operation", "store_stats",
		"outcome", "success",
		"prefix", stats.Prefix,
		"key_count", stats.KeyCount,
		"active_channels", stats.ActiveChannels,
	)
}
