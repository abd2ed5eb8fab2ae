package domain

import "fmt"

// SlotBusyError is returned when a start is attempted while the slot
// already holds an active run. The caller must cancel first; the registry
// never supersedes implicitly.
type SlotBusyError struct {
	Category   RunCategory
	SubjectKey string
}

func (e *SlotBusyError) Error() string {
	return fmt.Sprintf("slot busy: %s/%s already has an active run", e.Category, e.SubjectKey)
}

// InvalidTransitionError indicates a status change that the transition
// table forbids. Correct callers never trigger it; it is surfaced to logs
// as an assertion failure, not to users.
type InvalidTransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// InvocationError wraps a failed external start or cancel command.
type InvocationError struct {
	Op  string
	Err error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation %s failed: %v", e.Op, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
