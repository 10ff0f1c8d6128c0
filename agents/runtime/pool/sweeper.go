package pool

import (
	"context"
	"time"
)

// StartSweeper launches a background goroutine that calls CleanupExpired
// every interval and emits a pressure signal: a debug log above 0.8x the
// configured pressure threshold, a warn log above 0.95x it. The goroutine
// runs until the returned stop function is called or ctx is cancelled; it
// does not stop on its own when the pool is no longer referenced. stop
// blocks until the goroutine has exited.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.sweepOnce(ctx)
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	removed := p.CleanupExpired(ctx)
	if removed > 0 {
		p.logger.Debug(ctx, "memory pool swept expired entries", "removed", removed)
	}

	stats := p.GetUsageStats(ctx)
	if stats.CapacityBytes <= 0 {
		return
	}
	usage := float64(stats.CurrentSizeBytes) / float64(stats.CapacityBytes)
	critical := 0.95 * p.pressureThreshold
	warn := 0.8 * p.pressureThreshold

	switch {
	case usage > critical:
		p.logger.Warn(ctx, "memory pool usage critical",
			"usage_ratio", usage, "current_size_bytes", stats.CurrentSizeBytes,
			"capacity_bytes", stats.CapacityBytes)
	case usage > warn:
		p.logger.Debug(ctx, "memory pool usage elevated",
			"usage_ratio", usage, "current_size_bytes", stats.CurrentSizeBytes,
			"capacity_bytes", stats.CapacityBytes)
	}
}
