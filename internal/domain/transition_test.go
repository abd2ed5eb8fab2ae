package domain

import "testing"

func TestCanTransition_Allowed(t *testing.T) {
	allowed := []struct{ from, to RunStatus }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusIncomplete},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusAwaitingInput},
		{StatusAwaitingInput, StatusRunning},
		{StatusAwaitingInput, StatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

func TestCanTransition_TerminalIsAbsorbing(t *testing.T) {
	terminals := []RunStatus{StatusCompleted, StatusFailed, StatusIncomplete, StatusCancelled}
	all := []RunStatus{
		StatusQueued, StatusRunning, StatusAwaitingInput,
		StatusCompleted, StatusFailed, StatusIncomplete, StatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false (terminal)", from, to)
			}
		}
	}
}

func TestCanTransition_Rejected(t *testing.T) {
	rejected := []struct{ from, to RunStatus }{
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusIncomplete},
		{StatusQueued, StatusAwaitingInput},
		{StatusAwaitingInput, StatusCompleted},
		{StatusAwaitingInput, StatusFailed},
		{StatusRunning, StatusQueued},
	}
	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusIncomplete, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []RunStatus{StatusQueued, StatusRunning, StatusAwaitingInput} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}
