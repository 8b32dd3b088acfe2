package worker

import (
	"context"
	"log"
	"time"
)

const DefaultSweepInterval = time.Hour

type OrphanSweeper interface {
	SweepOrphans(ctx context.Context) (int, error)
}

// StartSweeper periodically removes chunks whose document is gone, until ctx ends.
func StartSweeper(ctx context.Context, store OrphanSweeper, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go sweepLoop(ctx, store, interval)
}

func sweepLoop(ctx context.Context, store OrphanSweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, store)
		}
	}
}

func sweepOnce(ctx context.Context, store OrphanSweeper) int {
	n, err := store.SweepOrphans(ctx)
	if err != nil {
		log.Printf("sweep orphan chunks error: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("swept %d orphan chunks", n)
	}
	return n
}
