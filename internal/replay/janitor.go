package replay

import (
	"context"
	"log/slog"
	"time"
)

// PurgeOnce removes expired markers and logs the outcome.
func PurgeOnce(ctx context.Context, p Purger, now time.Time, logger *slog.Logger) (int, error) {
	removed, err := p.Purge(ctx, now)
	if err != nil {
		logger.Warn("replay purge failed", "error", err)
		return removed, err
	}
	if removed > 0 {
		logger.Debug("replay markers purged", "removed", removed)
	}
	return removed, nil
}

// RunJanitor purges expired markers every interval until ctx is cancelled.
func RunJanitor(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, _ = PurgeOnce(ctx, p, now, logger)
		}
	}
}
