package domain

import "strings"

// Category-specific status vocabularies. Backends emit free-form tokens
// whose vocabulary overlaps but is not identical to the canonical set;
// each category maps its own tokens explicitly and any unrecognized token
// falls through to failed rather than being silently dropped.

// commonVocab covers tokens shared by every category, including the legacy
// "pending" alias for queued.
var commonVocab = map[string]RunStatus{
	"queued":         StatusQueued,
	"pending":        StatusQueued,
	"running":        StatusRunning,
	"in_progress":    StatusRunning,
	"awaiting_input": StatusAwaitingInput,
	"waiting_input":  StatusAwaitingInput,
	"completed":      StatusCompleted,
	"complete":       StatusCompleted,
	"failed":         StatusFailed,
	"incomplete":     StatusIncomplete,
	"cancelled":      StatusCancelled,
	"canceled":       StatusCancelled,
	"progress":       StatusRunning,
}

// categoryVocab holds tokens specific to a single category's backend.
var categoryVocab = map[RunCategory]map[string]RunStatus{
	CategoryExecution: {
		"spawning":  StatusQueued,
		"streaming": StatusRunning,
		"error":     StatusFailed,
	},
	CategoryDesignReview: {
		"analyzing": StatusRunning,
		"error":     StatusFailed,
	},
	CategoryCredentialDesign: {
		"designing": StatusRunning,
		"error":     StatusFailed,
	},
	CategoryTemplateGenerate: {
		"generating": StatusRunning,
		"error":      StatusFailed,
	},
	CategoryTemplateAdopt: {
		"adopting": StatusRunning,
		"error":    StatusFailed,
	},
	CategoryLabArena: {
		"errored": StatusFailed,
		"judging": StatusRunning,
	},
	CategoryLabAB: {
		"errored":   StatusFailed,
		"comparing": StatusRunning,
	},
	CategoryLabMatrix: {
		"errored": StatusFailed,
		"matrix":  StatusRunning,
	},
	CategoryLabEval: {
		"errored": StatusFailed,
		"scoring": StatusRunning,
	},
	CategoryTestRun: {
		"passed": StatusCompleted,
		"error":  StatusFailed,
	},
}

// NormalizeStatus maps a free-form backend status token onto the canonical
// status set for the given category. The second return value is false when
// the token was unrecognized and defaulted to failed; callers log that case
// but must never drop it as "unknown".
func NormalizeStatus(category RunCategory, token string) (RunStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(token))
	if vocab, ok := categoryVocab[category]; ok {
		if status, ok := vocab[key]; ok {
			return status, true
		}
	}
	if status, ok := commonVocab[key]; ok {
		return status, true
	}
	return StatusFailed, false
}
