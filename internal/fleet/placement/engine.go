// Package placement implements the Placement Engine (C4): the periodic loop that matches the
// tiered task queue against the offer pool, applying constraints and driving autoscale
// decisions (spec.md §4.4).
package placement

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/armada-fleet/corectl/internal/armadacontext"
	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/errkind"
	"github.com/armada-fleet/corectl/internal/fleet"
	"github.com/armada-fleet/corectl/internal/fleet/autoscaler"
	"github.com/armada-fleet/corectl/internal/fleet/constraints"
	"github.com/armada-fleet/corectl/internal/fleet/offerpool"
	"github.com/armada-fleet/corectl/internal/fleet/queue"
	"github.com/armada-fleet/corectl/internal/metrics"
)

// runState mirrors the Idle -> Running -> Idle state machine of spec.md §4.4.
type runState int32

const (
	stateIdle runState = iota
	stateRunning
)

// ScaleExecutor delegates ScaleUp/ScaleDown decisions to the external ClusterManager
// collaborator (spec.md §6). ScaleDown returns the instance ids that were NOT terminated,
// which the caller re-enables in the offer pool.
type ScaleExecutor interface {
	ScaleUp(groupId string, count int) error
	ScaleDown(groupId string, instanceIds []string) (terminated []string, notTerminated []string, err error)
}

// GroupResolver extracts the instance-group id from an agent, per the
// autoscaleByAttributeName config knob (spec.md §6).
type GroupResolver func(agent fleet.Agent) string

// Engine is the C4 Placement Engine.
type Engine struct {
	Queue      *queue.Queue
	Pool       *offerpool.Pool
	Evaluator  *constraints.Evaluator
	Autoscaler *autoscaler.Controller
	Launcher   Launcher
	Scale      ScaleExecutor
	GroupOf    GroupResolver
	Clock      clock.Clock
	Cfg        config.PlacementConfig
	Metrics    *metrics.Registry

	// OnAccepted is invoked once per accepted assignment, right after the task has been removed
	// from Queue, so the job subsystem can hand the task to its Reconciliation Engine
	// (C6, spec.md §2). It may be left nil.
	OnAccepted func(Assignment)

	state          atomic.Int32
	backoff        time.Duration
	failuresMu     sync.Mutex
	pendingFailure map[string]FailureCallback
}

// New constructs an Engine ready to run.
func New(
	q *queue.Queue,
	pool *offerpool.Pool,
	evaluator *constraints.Evaluator,
	scaler *autoscaler.Controller,
	launcher Launcher,
	scale ScaleExecutor,
	groupOf GroupResolver,
	clk clock.Clock,
	cfg config.PlacementConfig,
	m *metrics.Registry,
) *Engine {
	return &Engine{
		Queue: q, Pool: pool, Evaluator: evaluator, Autoscaler: scaler,
		Launcher: launcher, Scale: scale, GroupOf: groupOf, Clock: clk, Cfg: cfg, Metrics: m,
		backoff:        cfg.IterationInterval(),
		pendingFailure: map[string]FailureCallback{},
	}
}

// RegisterFailureCallback registers a callback invoked once, during the next iteration's
// Callbacks step, reporting the outcome for taskId (nil if the task was not a failure this
// iteration). It fails with CapacityExceeded once taskFailuresQueueCapacity pending
// registrations are outstanding (spec.md §4.4, §7).
func (e *Engine) RegisterFailureCallback(taskId string, cb FailureCallback) error {
	e.failuresMu.Lock()
	defer e.failuresMu.Unlock()
	if len(e.pendingFailure) >= e.Cfg.TaskFailuresQueueCapacity {
		return &errkind.CapacityExceeded{Limit: e.Cfg.TaskFailuresQueueCapacity}
	}
	e.pendingFailure[taskId] = cb
	return nil
}

// Run drives the placement loop until ctx is cancelled, implementing the state machine and
// back-pressure of spec.md §4.4 and §5 (suspension only between iterations).
func (e *Engine) Run(ctx *armadacontext.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		start := e.Clock.Now()
		result, err := e.RunOnce(ctx)
		took := e.Clock.Now().Sub(start)
		if e.Metrics != nil {
			e.Metrics.PlacementIterationTime.Observe(took.Seconds())
		}
		if err != nil {
			ctx.Log.WithError(err).Warn("placement iteration failed")
			if fatal, ok := err.(*errkind.FatalSchedulerError); ok && fatal.ExitRequested {
				e.dumpState(ctx)
				exitProcess(3)
				return err
			}
		}
		e.updateBackoff(result)
		select {
		case <-ctx.Done():
			return nil
		case <-e.Clock.After(e.backoff):
		}
	}
}

func (e *Engine) updateBackoff(result IterationResult) {
	if result.Assigned > 0 {
		e.backoff = e.Cfg.IterationInterval()
		return
	}
	next := e.backoff * 2
	max := e.Cfg.MaxDelayBetweenIterations()
	if next > max || next <= 0 {
		next = max
	}
	if next < e.Cfg.IterationInterval() {
		next = e.Cfg.IterationInterval()
	}
	e.backoff = next
}

// IterationResult summarizes one RunOnce call for logging, tests, and back-pressure decisions.
type IterationResult struct {
	Assigned int
	Failed   int
	Aborted  bool // true if the iteration overran its budget and launched nothing (edge case c)
}

// RunOnce performs a single placement iteration: PreHook, Snapshot, Match, Assign,
// AutoscaleDecision, Callbacks, Metrics (spec.md §4.4). It never blocks mid-iteration
// (spec.md §5).
func (e *Engine) RunOnce(ctx *armadacontext.Context) (IterationResult, error) {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return IterationResult{}, nil
	}
	defer e.state.Store(int32(stateIdle))

	budget := e.Cfg.IterationInterval()
	deadline := e.Clock.Now().Add(budget)

	// 1. PreHook.
	e.Evaluator.Prepare()

	// 2. Snapshot.
	tasks, err := e.Queue.DrainForIteration()
	if err != nil {
		return IterationResult{}, err
	}
	now := e.Clock.Now()
	agentStates := e.Pool.Snapshot(now, e.Cfg.LeaseOfferExpiry())
	if e.Metrics != nil {
		e.Metrics.ActiveAgents.Set(float64(len(agentStates)))
	}

	// 3. Match.
	matchCtx := constraints.EvalContext{AssignedThisIteration: map[string]int{}}
	working := newWorkingOffers(agentStates)

	var assignments []Assignment
	var failures []PlacementFailure
	shortfallByGroup := map[string]float64{}
	var multiErr *multierror.Error

	for _, task := range tasks {
		if e.Clock.Now().After(deadline) {
			// Edge case (c): partial iterations never launch tasks.
			return IterationResult{Aborted: true}, nil
		}

		best, resourceShortGroups, reason, evalErr := e.matchOne(task, working, agentStates, matchCtx)
		if evalErr != nil {
			multiErr = multierror.Append(multiErr, evalErr)
			failures = append(failures, PlacementFailure{TaskId: task.Id, Reason: "internal error"})
			continue
		}
		if best == nil {
			failures = append(failures, PlacementFailure{TaskId: task.Id, Reason: reason})
			if e.Metrics != nil {
				e.Metrics.TasksFailedToPlace.WithLabelValues(reason).Inc()
			}
			for _, g := range resourceShortGroups {
				shortfallByGroup[g] += task.Request.CPU
			}
			continue
		}
		assignments = append(assignments, Assignment{Task: task, OfferId: best.OfferId, AgentId: best.Agent.Id})
		matchCtx.AssignedThisIteration[best.Agent.Id]++
		working.consume(best.OfferId, task.Request, e.Cfg.MultiTaskPerOfferEnabled)
	}

	// 4. Assign.
	assigned := len(assignments)
	if len(assignments) > 0 && e.Launcher != nil {
		results := e.Launcher.Launch(assignments)
		assigned = e.applyLaunchResults(ctx, assignments, results, &failures)
	}

	// 5. AutoscaleDecision.
	if e.Autoscaler != nil && e.GroupOf != nil {
		e.runAutoscale(agentStates, shortfallByGroup)
	}

	// 6. Callbacks.
	e.drainFailureCallbacks(failures)

	if multiErr.ErrorOrNil() != nil {
		return IterationResult{Assigned: assigned, Failed: len(failures)},
			&errkind.FatalSchedulerError{Causes: multiErr.Errors, ExitRequested: false}
	}
	return IterationResult{Assigned: assigned, Failed: len(failures)}, nil
}

// matchOne evaluates a single task against every candidate offer, returning the winning
// candidate (nil if none admissible), the instance groups whose agents were hard-constraint
// admissible but resource-short (used to estimate autoscale shortfall), and a human-readable
// rejection reason for the ConstraintViolation record.
func (e *Engine) matchOne(
	task *fleet.Task,
	working *workingOffers,
	agentStates []offerpool.AgentState,
	ctx constraints.EvalContext,
) (*constraints.AgentView, []string, string, error) {
	var candidates []constraints.Candidate
	var lastReason string
	var shortGroups []string

agents:
	for _, as := range agentStates {
		for _, offer := range as.Offers {
			remaining, ok := working.remaining(offer.Id)
			if !ok {
				continue // fully consumed earlier this iteration
			}
			view := constraints.AgentView{Agent: as.Agent, Remaining: remaining, OfferId: offer.Id}
			admitted, reason := e.Evaluator.Admit(task, view, ctx)
			if !admitted {
				lastReason = reason
				if reason == "insufficient resources" && e.GroupOf != nil {
					shortGroups = append(shortGroups, e.GroupOf(as.Agent))
				}
				continue
			}
			score := e.Evaluator.Score(task, view, ctx)
			candidates = append(candidates, constraints.Candidate{Agent: view, Score: score})
			if e.Evaluator.ShouldStopEarly(score) {
				break agents
			}
		}
	}

	best, ok := e.Evaluator.Best(task.Id, candidates, ctx)
	if !ok {
		if lastReason == "" {
			lastReason = "no admissible agent"
		}
		return nil, shortGroups, lastReason, nil
	}
	return &best.Agent, shortGroups, "", nil
}

// applyLaunchResults reconciles the launcher's per-assignment verdicts with the Tiered Task
// Queue: an accepted assignment is removed from Queue here, once, so a second iteration can
// never re-match and re-launch it on another agent (spec.md §8 scenario 1, invariants I2/I3).
// It returns the number of accepted assignments.
func (e *Engine) applyLaunchResults(ctx *armadacontext.Context, assignments []Assignment, results []LaunchResult, failures *[]PlacementFailure) int {
	byTask := map[string]LaunchResult{}
	for _, r := range results {
		byTask[r.TaskId] = r
	}
	accepted := 0
	consumedOffers := map[string]bool{}
	for _, a := range assignments {
		r, ok := byTask[a.Task.Id]
		if !ok || r.Accepted {
			accepted++
			consumedOffers[a.OfferId] = true
			if _, err := e.Queue.Remove(a.Task.Id, a.Task.Tier, a.Task.Hostname); err != nil {
				ctx.Log.WithError(err).WithField("task", a.Task.Id).Warn("failed to remove launched task from queue")
			}
			e.Queue.MarkLaunched(a.Task.Tier, a.Task.CapacityGroup, a.Task.Request)
			if e.OnAccepted != nil {
				e.OnAccepted(a)
			}
			if e.Metrics != nil {
				e.Metrics.TasksAssigned.Inc()
			}
			continue
		}
		*failures = append(*failures, PlacementFailure{TaskId: a.Task.Id, Reason: r.Reason})
	}
	for offerId := range consumedOffers {
		e.Pool.RejectOffer(offerId, "consumed")
		if e.Metrics != nil {
			e.Metrics.OffersConsumed.Inc()
		}
	}
	return accepted
}

func (e *Engine) runAutoscale(agentStates []offerpool.AgentState, shortfallByGroup map[string]float64) {
	idleByGroup := map[string][]string{}
	sizeByGroup := map[string]int{}
	for _, as := range agentStates {
		group := e.GroupOf(as.Agent)
		sizeByGroup[group]++
		if len(as.Agent.RunningTasks) == 0 {
			idleByGroup[group] = append(idleByGroup[group], as.Agent.Id)
		}
	}
	var demands []autoscaler.GroupDemand
	for id := range e.Autoscaler.Groups {
		// TypicalSlot approximates one instance's schedulable cpu; a fixed value until an
		// instance-type catalog collaborator is wired in (spec.md open question on shortfall
		// sizing does not name a source for this).
		demands = append(demands, autoscaler.GroupDemand{
			GroupId:           id,
			UnsatisfiedDemand: shortfallByGroup[id],
			TypicalSlot:       4,
			CurrentSize:       sizeByGroup[id],
			IdleInstanceIds:   idleByGroup[id],
		})
	}
	decision := e.Autoscaler.Decide(demands)
	for _, up := range decision.ScaleUps {
		if e.Scale != nil {
			_ = e.Scale.ScaleUp(up.GroupId, up.Count)
		}
		if e.Metrics != nil {
			e.Metrics.ScaleUpActions.WithLabelValues(up.GroupId).Inc()
		}
	}
	for _, down := range decision.ScaleDowns {
		if e.Scale == nil {
			continue
		}
		_, notTerminated, err := e.Scale.ScaleDown(down.GroupId, down.InstanceIds)
		if err == nil {
			autoscaler.Reenable(notTerminated, func(instanceId string) { e.Pool.Enable(instanceId) })
		}
		if e.Metrics != nil {
			e.Metrics.ScaleDownActions.WithLabelValues(down.GroupId).Inc()
		}
	}
}

// drainFailureCallbacks implements spec.md §4.4 step 6 exactly as the teacher's original
// (Titus DefaultSchedulingService.schedulingResultsHandler) does: match each pending
// registration against this iteration's failures, then call any leftover registrations with a
// nil result.
func (e *Engine) drainFailureCallbacks(failures []PlacementFailure) {
	e.failuresMu.Lock()
	pending := e.pendingFailure
	e.pendingFailure = map[string]FailureCallback{}
	e.failuresMu.Unlock()

	byTask := map[string]*PlacementFailure{}
	for i := range failures {
		byTask[failures[i].TaskId] = &failures[i]
	}
	for taskId, cb := range pending {
		cb(byTask[taskId])
	}
}

func (e *Engine) dumpState(ctx *armadacontext.Context) {
	timeout := e.Cfg.IterationInterval() * 3
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx.Log.Error("dumping scheduler state before fatal exit")
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		ctx.Log.Error("state dump timed out")
	}
}

// exitProcess is overridden in tests so a FatalSchedulerError with ExitRequested set doesn't
// tear down the test binary.
var exitProcess = os.Exit
