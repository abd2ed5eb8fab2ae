// Package backend defines the contract with the external process that
// actually performs runs. The orchestrator treats it as an opaque command
// surface: start, cancel, snapshot and list per category.
package backend

import (
	"context"
	"strings"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Invoker is the opaque backend command surface. Implementations must make
// FetchSnapshot idempotent and side-effect-free: it is called both for
// one-shot resumes and from polling loops.
type Invoker interface {
	// StartRun invokes start_<category> and returns an identifier usable
	// as the run's correlation token.
	StartRun(ctx context.Context, category domain.RunCategory, subjectKey string, params map[string]any) (string, error)

	// CancelRun invokes cancel_<category>. Best-effort.
	CancelRun(ctx context.Context, category domain.RunCategory, runID string) error

	// FetchSnapshot invokes get_<category>_snapshot.
	FetchSnapshot(ctx context.Context, category domain.RunCategory, runID string) (*domain.Snapshot, error)

	// ListRuns invokes list_<category>_runs and returns known run ids.
	ListRuns(ctx context.Context, category domain.RunCategory) ([]string, error)
}

// CommandName builds the backend command token for a verb and category,
// e.g. ("start", "design-review") -> "start_design_review".
func CommandName(verb string, category domain.RunCategory) string {
	cat := strings.ReplaceAll(string(category), "-", "_")
	switch verb {
	case "snapshot":
		return "get_" + cat + "_snapshot"
	case "list":
		return "list_" + cat + "_runs"
	default:
		return verb + "_" + cat
	}
}
