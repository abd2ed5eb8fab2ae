// Package domain defines the run categories, canonical statuses and wire
// shapes shared by every component of the orchestrator.
package domain

import (
	"encoding/json"
	"time"
)

// RunCategory identifies the kind of backend-driven run being tracked.
type RunCategory string

const (
	CategoryExecution        RunCategory = "execution"
	CategoryDesignReview     RunCategory = "design-review"
	CategoryCredentialDesign RunCategory = "credential-design"
	CategoryTemplateGenerate RunCategory = "template-generate"
	CategoryTemplateAdopt    RunCategory = "template-adopt"
	CategoryLabArena         RunCategory = "lab-arena"
	CategoryLabAB            RunCategory = "lab-ab"
	CategoryLabMatrix        RunCategory = "lab-matrix"
	CategoryLabEval          RunCategory = "lab-eval"
	CategoryTestRun          RunCategory = "test-run"
)

// Categories lists every known run category.
var Categories = []RunCategory{
	CategoryExecution,
	CategoryDesignReview,
	CategoryCredentialDesign,
	CategoryTemplateGenerate,
	CategoryTemplateAdopt,
	CategoryLabArena,
	CategoryLabAB,
	CategoryLabMatrix,
	CategoryLabEval,
	CategoryTestRun,
}

// ValidCategory reports whether c is a known run category.
func ValidCategory(c RunCategory) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// RunStatus is the canonical run lifecycle state shared by every category.
type RunStatus string

const (
	StatusQueued        RunStatus = "queued"
	StatusRunning       RunStatus = "running"
	StatusAwaitingInput RunStatus = "awaiting_input"
	StatusCompleted     RunStatus = "completed"
	StatusFailed        RunStatus = "failed"
	StatusIncomplete    RunStatus = "incomplete"
	StatusCancelled     RunStatus = "cancelled"
)

// IsTerminal reports whether s is an absorbing state. No transition ever
// leaves the terminal set.
func IsTerminal(s RunStatus) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusIncomplete, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether s is a non-terminal lifecycle state.
func IsActive(s RunStatus) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaitingInput:
		return true
	}
	return false
}

// Snapshot is the authoritative point-in-time state of a run as reported by
// the backend's idempotent snapshot command. Status carries the backend's
// raw token; it is normalized at the registry boundary.
type Snapshot struct {
	Status string          `json:"status"`
	Lines  []string        `json:"lines"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Run is an immutable view of a run handle, safe to hand to readers.
type Run struct {
	ID          string          `json:"id"`
	Category    RunCategory     `json:"category"`
	SubjectKey  string          `json:"subject_key"`
	Status      RunStatus       `json:"status"`
	Lines       []string        `json:"lines"`
	PhaseIndex  int             `json:"phase_index"`
	PhaseLabel  string          `json:"phase_label"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
