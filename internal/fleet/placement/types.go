package placement

import "github.com/armada-fleet/corectl/internal/fleet"

// Assignment is one task-to-offer match produced by a placement iteration (spec.md §4.4 step 4).
type Assignment struct {
	Task    *fleet.Task
	OfferId string
	AgentId string
}

// LaunchResult reports whether the launch collaborator accepted an individual assignment.
type LaunchResult struct {
	TaskId   string
	Accepted bool
	Reason   string
}

// Launcher is the external collaborator that turns Assignments into running containers,
// mirroring the OfferSource.launchTasks interface of spec.md §6. It may reject individual
// assignments, e.g. because the task was cancelled mid-iteration (spec.md §4.4 edge case).
type Launcher interface {
	Launch(assignments []Assignment) []LaunchResult
}

// PlacementFailure is delivered to a per-task failure callback registered before the
// iteration that could not place it (spec.md §4.4 step 6, §7 ConstraintViolation).
type PlacementFailure struct {
	TaskId string
	Reason string
}

// FailureCallback receives the outcome for one task id. A nil result indicates the callback
// queue was drained without a matching failure this iteration (spec.md §4.4 step 6).
type FailureCallback func(result *PlacementFailure)
