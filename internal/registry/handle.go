package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/personadesk/run-orchestrator/internal/correlator"
	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/phase"
	"github.com/personadesk/run-orchestrator/internal/trace"
)

// Handle is the registry's record of one run. It is exclusively owned by
// its slot for its whole non-terminal lifetime; readers only ever see
// immutable domain.Run snapshots.
//
// status is unexported on purpose: every change goes through
// applyStatusLocked so the transition table cannot be bypassed.
type Handle struct {
	mu sync.Mutex

	id         string
	category   domain.RunCategory
	subjectKey string

	status      domain.RunStatus
	lines       []string
	phaseIndex  int
	phaseLabel  string
	result      json.RawMessage
	errMsg      string
	startedAt   time.Time
	completedAt *time.Time

	trace *trace.ActiveTrace
	corr  *correlator.Correlator
}

// applyStatusLocked advances the status if the transition table allows it.
// Callers must hold h.mu.
func (h *Handle) applyStatusLocked(next domain.RunStatus) error {
	if !domain.CanTransition(h.status, next) {
		return &domain.InvalidTransitionError{From: h.status, To: next}
	}
	h.status = next
	return nil
}

// recomputePhaseLocked refreshes the derived phase from the line buffer.
// Callers must hold h.mu.
func (h *Handle) recomputePhaseLocked(phases []phase.Phase) {
	h.phaseIndex, h.phaseLabel = phase.Infer(h.lines, domain.IsTerminal(h.status), phases)
}

// snapshotLocked builds an immutable view. Callers must hold h.mu.
func (h *Handle) snapshotLocked() domain.Run {
	run := domain.Run{
		ID:         h.id,
		Category:   h.category,
		SubjectKey: h.subjectKey,
		Status:     h.status,
		PhaseIndex: h.phaseIndex,
		PhaseLabel: h.phaseLabel,
		Error:      h.errMsg,
		StartedAt:  h.startedAt,
	}
	run.Lines = append(run.Lines, h.lines...)
	if h.result != nil {
		run.Result = append(json.RawMessage(nil), h.result...)
	}
	if h.completedAt != nil {
		at := *h.completedAt
		run.CompletedAt = &at
	}
	return run
}

// Snapshot returns an immutable view of the handle.
func (h *Handle) Snapshot() domain.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}
