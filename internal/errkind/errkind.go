// Package errkind defines the error categories surfaced to callers of the placement and
// reconciliation core (spec §7). Callers recover the category with errors.As; the wrapped
// message carries the collaborator-specific detail.
package errkind

import "fmt"

// InvalidInput indicates a malformed Task, Offer, or InstanceGroup was rejected before any
// state was mutated.
type InvalidInput struct {
	Field   string
	Message string
}

func (e *InvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Message)
}

// ShutdownInProgress indicates an operation was attempted after shutdown() was called.
type ShutdownInProgress struct {
	Component string
}

func (e *ShutdownInProgress) Error() string {
	return fmt.Sprintf("%s: shutdown in progress", e.Component)
}

// StoreUnavailable indicates the JobStore collaborator could not be reached.
type StoreUnavailable struct {
	Cause error
}

func (e *StoreUnavailable) Error() string { return fmt.Sprintf("store unavailable: %v", e.Cause) }
func (e *StoreUnavailable) Unwrap() error { return e.Cause }

// StoreTimeout indicates a store write did not acknowledge within storeUpdateTimeoutMs.
type StoreTimeout struct {
	TaskId string
}

func (e *StoreTimeout) Error() string {
	return fmt.Sprintf("store update timeout for task %s", e.TaskId)
}

// ConstraintViolation indicates a task could not be placed in the current iteration.
type ConstraintViolation struct {
	TaskId string
	Reason string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("task %s could not be placed: %s", e.TaskId, e.Reason)
}

// CapacityExceeded indicates too many concurrent placement-failure callback registrations.
type CapacityExceeded struct {
	Limit int
}

func (e *CapacityExceeded) Error() string {
	return fmt.Sprintf("capacity exceeded: limit %d", e.Limit)
}

// FatalSchedulerError aggregates unrecoverable scheduling exceptions; ExitRequested indicates
// exitOnSchedulingErrorEnabled was set and the process should terminate with code 3.
type FatalSchedulerError struct {
	Causes        []error
	ExitRequested bool
}

func (e *FatalSchedulerError) Error() string {
	return fmt.Sprintf("fatal scheduler error (%d causes, exit=%v)", len(e.Causes), e.ExitRequested)
}
