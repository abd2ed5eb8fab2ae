// Package snapshot reconciles run state through the backend's idempotent
// snapshot query instead of the live event stream. It serves clients that
// attach after a run started (new window, restart) and doubles as a
// polling fallback when the event transport is down.
package snapshot

import (
	"context"
	"log"
	"time"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Fetcher is the snapshot half of the backend surface.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, category domain.RunCategory, runID string) (*domain.Snapshot, error)
}

// Resumer fetches and normalizes authoritative run snapshots.
type Resumer struct {
	fetcher Fetcher
}

// New creates a Resumer over the given fetcher.
func New(fetcher Fetcher) *Resumer {
	return &Resumer{fetcher: fetcher}
}

// Fetch retrieves the current snapshot for a run and normalizes its status
// token onto the canonical set. Safe to call repeatedly; the backend query
// is idempotent and side-effect-free.
func (r *Resumer) Fetch(ctx context.Context, category domain.RunCategory, runID string) (*domain.Snapshot, domain.RunStatus, error) {
	snap, err := r.fetcher.FetchSnapshot(ctx, category, runID)
	if err != nil {
		return nil, "", err
	}

	status, known := domain.NormalizeStatus(category, snap.Status)
	if !known {
		log.Printf("snapshot %s/%s: unknown status token %q, treating as failed", category, runID, snap.Status)
	}
	return snap, status, nil
}

// Apply receives each reconciled snapshot from a polling loop.
type Apply func(snap *domain.Snapshot, status domain.RunStatus)

// Poll fetches the snapshot on an interval and hands each result to apply,
// stopping once the run is terminal or ctx is done. A one-shot resume and
// a polling loop go through the same Fetch, so behavior cannot diverge.
func (r *Resumer) Poll(ctx context.Context, category domain.RunCategory, runID string, interval time.Duration, apply Apply) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, status, err := r.Fetch(ctx, category, runID)
		if err != nil {
			log.Printf("snapshot poll %s/%s: %v", category, runID, err)
		} else {
			apply(snap, status)
			if domain.IsTerminal(status) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
