// Package jobsubsystem implements the job subsystem collaborator named but not otherwise
// specified by spec.md §2's data flow: "accepted assignments invoke a launch-callback supplied
// by the job subsystem, which records state via the appropriate Reconciliation Engine (C6); C6
// publishes lifecycle events; C7 multiplexes them to subscribers." It is the glue between the
// Placement Engine (C4) and the Reconciliation Framework (C7), the two components spec.md §5
// calls "the hardest parts" and requires to be "tightly coupled".
package jobsubsystem

import (
	"context"
	"sync"

	"github.com/armada-fleet/corectl/internal/armadacontext"
	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/fleet"
	"github.com/armada-fleet/corectl/internal/fleet/placement"
	"github.com/armada-fleet/corectl/internal/fleet/queue"
	"github.com/armada-fleet/corectl/internal/reconciler"
)

// footprint is the subset of a launched task's identity the adapter needs to release its
// capacity-group consumption once the reconciler reports it Finished; Agent.RunningTasks (a bare
// task-id set) carries none of this, so the adapter tracks it independently.
type footprint struct {
	jobId string
	tier  fleet.Tier
	group string
	req   fleet.ResourceRequest
}

// Adapter is the job subsystem: it owns no scheduling policy of its own, only the wiring
// spec.md §2 assigns to "the job subsystem" between placement.Engine and reconciler.Framework.
type Adapter struct {
	Queue     *queue.Queue
	Framework *reconciler.Framework
	Diff      reconciler.DiffFunc
	Store     reconciler.StoreWriter
	Cfg       config.ReconcilerConfig

	mu      sync.Mutex
	tracked map[string]footprint
}

// New constructs an Adapter. diff and store are forwarded to every per-job reconciler.Engine it
// creates; store may be nil, matching reconciler.NewEngine's contract.
func New(q *queue.Queue, framework *reconciler.Framework, diff reconciler.DiffFunc, store reconciler.StoreWriter, cfg config.ReconcilerConfig) *Adapter {
	return &Adapter{
		Queue: q, Framework: framework, Diff: diff, Store: store, Cfg: cfg,
		tracked: map[string]footprint{},
	}
}

// OnAccepted is the launch-callback of spec.md §2, wired to placement.Engine.OnAccepted: it
// finds or creates the task's job Reconciliation Engine (C6), records the task as Launched in
// its Reference model, and begins tracking the task's capacity-group footprint until the
// reconciler reports it Finished.
func (a *Adapter) OnAccepted(assignment placement.Assignment) {
	task := assignment.Task
	engine, ok := a.Framework.FindEngineByRootId(task.JobId)
	if !ok {
		engine = reconciler.NewEngine(task.JobId, nil, a.Diff, a.Store, a.Cfg)
		if err := a.Framework.NewEngine(engine); err != nil {
			return
		}
	}

	launched := *task
	launched.State = fleet.Launched
	launched.AssignedAgentId = assignment.AgentId
	launched.AssignedOfferId = assignment.OfferId
	_ = engine.ChangeReferenceModel(reconciler.Action{
		Name: "launch:" + task.Id,
		Run:  launchOutcome(&launched),
	})

	a.mu.Lock()
	a.tracked[task.Id] = footprint{jobId: task.JobId, tier: task.Tier, group: task.CapacityGroup, req: task.Request}
	a.mu.Unlock()
}

// launchOutcome builds the single-update ActionOutcome that records a task's Launched state,
// following the teacher's own ChangeAction shape (a channel that resolves immediately for
// in-memory model updates, spec.md §4.6).
func launchOutcome(task *fleet.Task) reconciler.ActionFunc {
	return func(_ context.Context, _ *reconciler.EntityHolder) <-chan reconciler.ActionOutcome {
		out := make(chan reconciler.ActionOutcome, 1)
		out <- reconciler.ActionOutcome{Updates: []reconciler.ModelUpdateAction{
			{TargetModel: reconciler.ModelReference, Op: reconciler.OpAdd, TaskId: task.Id, Payload: task},
		}}
		close(out)
		return out
	}
}

// Run subscribes to the Reconciliation Framework's merged event stream and releases a launched
// task's capacity-group consumption back to the Tiered Task Queue (C1) once its Reference model
// reports it Finished (spec.md §4.1 cross-iteration fair-share accounting). It returns once the
// framework's event stream closes or ctx is cancelled.
func (a *Adapter) Run(ctx *armadacontext.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.Framework.Events():
			if !ok {
				return nil
			}
			a.handleEvent(ev)
		}
	}
}

func (a *Adapter) handleEvent(ev reconciler.Event) {
	if ev.Kind != reconciler.ModelUpdated || ev.Model != reconciler.ModelReference {
		return
	}
	engine, ok := a.Framework.FindEngineByRootId(ev.RootId)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for taskId, fp := range a.tracked {
		if fp.jobId != ev.RootId {
			continue
		}
		payload, ok := engine.ReferenceChildEntity(taskId)
		if !ok {
			continue
		}
		task, ok := payload.(*fleet.Task)
		if !ok || task.State != fleet.Finished {
			continue
		}
		a.Queue.MarkFinished(fp.tier, fp.group, fp.req)
		delete(a.tracked, taskId)
	}
}
