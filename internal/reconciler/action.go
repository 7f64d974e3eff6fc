package reconciler

import "context"

// ActionOutcome is the eventual result of running an Action: the ModelUpdateActions it produced,
// applied as a group, or an error if the action failed outright.
type ActionOutcome struct {
	Updates []ModelUpdateAction
	Err     error
}

// ActionFunc starts a unit of work against a read-only snapshot of the Reference model and
// returns immediately with a channel that resolves once the (possibly asynchronous) work
// completes. The engine never blocks waiting on this channel inside triggerEvents(); it polls it
// non-blockingly on the next trigger (spec.md §5 "the loop proceeds to the next engine without
// waiting for them"). ctx is cancelled if the engine is shut down while the action is running.
type ActionFunc func(ctx context.Context, reference *EntityHolder) <-chan ActionOutcome

// Action is either a ChangeAction (external, spec.md §4.6) or a ReconcilerAction (internal,
// derived by diffing Running against Reference); both share this shape.
type Action struct {
	Name string
	Run  ActionFunc
}

// DiffFunc derives the ReconcilerActions for one trigger cycle by comparing Running against
// Reference, e.g. "Reference has a task not in Running -> launch task" (spec.md §4.6 step 2).
// Only the first returned action is used per trigger; the engine re-diffs on the next one.
type DiffFunc func(reference, running *EntityHolder) []Action
