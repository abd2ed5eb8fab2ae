package domain

// transitions is the canonical status transition table. Terminal statuses
// have no entry: they are absorbing.
var transitions = map[RunStatus][]RunStatus{
	StatusQueued:        {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:       {StatusCompleted, StatusFailed, StatusIncomplete, StatusCancelled, StatusAwaitingInput},
	StatusAwaitingInput: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether moving from one status to the next is
// allowed by the transition table. It is pure and total: unknown statuses
// simply have no allowed successors.
func CanTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
