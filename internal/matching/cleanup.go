package matching

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval is how often StartCleanup sweeps the queue.
const DefaultCleanupInterval = 5 * time.Second

// StartCleanup runs a background loop that removes queued participants who no
// longer hold a live connection. Disconnect handling normally dequeues them;
// this catches anything that slipped through. It returns when ctx is done.
func StartCleanup(ctx context.Context, queue *Queue, connected func(id string) bool, interval time.Duration, log *zap.Logger) {
	log = log.Named("cleanup")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			if removed := sweepStale(queue, connected); removed > 0 {
				log.Info("removed stale queue entries", zap.Int("count", removed))
			}
		}
	}
}

// sweepStale dequeues every participant for which connected returns false
// and returns how many were removed.
func sweepStale(queue *Queue, connected func(id string) bool) int {
	removed := 0
	for _, p := range queue.Snapshot() {
		if connected(p.ID) {
			continue
		}
		if queue.Dequeue(p.ID) {
			removed++
		}
	}
	return removed
}
