package ttlstore

import (
	"context"
	"time"

	"github.com/migadu/mailflow/logger"
)

// Cleaner removes expired entries. Both the SQLite store and the
// PostgreSQL adapter implement it.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// StartCleanupLoop runs c.CleanupExpired every interval until ctx is done.
func StartCleanupLoop(ctx context.Context, c Cleaner, interval time.Duration) {
	go func() {
		runCleanup(ctx, c)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCleanup(ctx, c)
			}
		}
	}()
}

func runCleanup(ctx context.Context, c Cleaner) {
	removed, err := c.CleanupExpired(ctx)
	if err != nil {
		logger.Warn("TTLStore: cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		logger.Debug("TTLStore: expired entries removed", "count", removed)
	}
}
