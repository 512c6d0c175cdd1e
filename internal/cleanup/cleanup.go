package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/offline_sync/internal/logctx"
)

// Sweeper purges expired entries from a store.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepExpiredEntries runs one sweep and logs what it removed.
func SweepExpiredEntries(ctx context.Context, s Sweeper) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	removed, err := s.SweepExpired(ctx)
	if err != nil {
		logger.Error("failed to sweep expired retry entries", "err", err)

		return removed, err
	}

	if removed > 0 {
		logger.Info("swept expired retry entries", "removed", removed)
	}

	return removed, nil
}

// Run sweeps once right away and then every interval until ctx is done.
// Sweep failures are logged and do not stop the loop.
func Run(ctx context.Context, s Sweeper, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	_, _ = SweepExpiredEntries(ctx, s)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup loop shutting down")

			return nil
		case <-ticker.C:
			_, _ = SweepExpiredEntries(ctx, s)
		}
	}
}
