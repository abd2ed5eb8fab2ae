// Package maintenance runs periodic housekeeping over the run history.
package maintenance

import (
	"context"
	"log"
	"time"
)

// Pruner deletes completed runs older than the retention window.
type Pruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// interval between pruning passes
const interval = 24 * time.Hour

// Run prunes immediately and then once per day until ctx is done.
// retentionDays <= 0 disables pruning entirely.
func Run(ctx context.Context, pruner Pruner, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	retention := time.Duration(retentionDays) * 24 * time.Hour
	prune := func() {
		n, err := pruner.PruneBefore(time.Now().Add(-retention))
		if err != nil {
			log.Printf("maintenance: pruning run history: %v", err)
			return
		}
		if n > 0 {
			log.Printf("maintenance: pruned %d runs older than %d days", n, retentionDays)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
