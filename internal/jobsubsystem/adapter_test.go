package jobsubsystem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/armada-fleet/corectl/internal/armadacontext"
	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/fleet"
	"github.com/armada-fleet/corectl/internal/fleet/placement"
	"github.com/armada-fleet/corectl/internal/fleet/queue"
	"github.com/armada-fleet/corectl/internal/reconciler"
)

func testCfg() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		ActiveTimeoutMs:        1,
		IdleTimeoutMs:          5,
		StoreUpdateTimeoutMs:   50,
		ShutdownDrainTimeoutMs: 200,
	}
}

func runFramework(t *testing.T, f *reconciler.Framework) (*armadacontext.Context, func()) {
	t.Helper()
	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}

func runAdapter(t *testing.T, a *Adapter, ctx *armadacontext.Context) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	return func() { <-done }
}

func TestOnAcceptedCreatesEngineAndRecordsLaunchedState(t *testing.T) {
	q, err := queue.New()
	require.NoError(t, err)
	f := reconciler.NewFramework(testCfg(), clock.Real, nil)
	ctx, stopFramework := runFramework(t, f)

	a := New(q, f, nil, nil, testCfg())
	stopAdapter := runAdapter(t, a, ctx)
	defer stopAdapter()
	defer stopFramework()

	task := &fleet.Task{Id: "task-1", JobId: "job-1", Tier: fleet.Critical, CapacityGroup: "team-a", Request: fleet.ResourceRequest{CPU: 1}}
	a.OnAccepted(placement.Assignment{Task: task, OfferId: "o1", AgentId: "agent-1"})

	require.Eventually(t, func() bool {
		_, ok := f.FindEngineByRootId("job-1")
		return ok
	}, time.Second, time.Millisecond, "OnAccepted must create the job's Reconciliation Engine")

	engine, ok := f.FindEngineByRootId("job-1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		payload, ok := engine.ReferenceChildEntity("task-1")
		if !ok {
			return false
		}
		got, ok := payload.(*fleet.Task)
		return ok && got.State == fleet.Launched && got.AssignedAgentId == "agent-1"
	}, time.Second, time.Millisecond, "the task must be recorded as Launched with its assigned agent")
}

func TestOnAcceptedReusesExistingEngineForSameJob(t *testing.T) {
	q, err := queue.New()
	require.NoError(t, err)
	f := reconciler.NewFramework(testCfg(), clock.Real, nil)
	ctx, stopFramework := runFramework(t, f)

	a := New(q, f, nil, nil, testCfg())
	stopAdapter := runAdapter(t, a, ctx)
	defer stopAdapter()
	defer stopFramework()

	t1 := &fleet.Task{Id: "task-1", JobId: "job-1", Tier: fleet.Critical, Request: fleet.ResourceRequest{CPU: 1}}
	t2 := &fleet.Task{Id: "task-2", JobId: "job-1", Tier: fleet.Critical, Request: fleet.ResourceRequest{CPU: 1}}
	a.OnAccepted(placement.Assignment{Task: t1, OfferId: "o1", AgentId: "agent-1"})
	a.OnAccepted(placement.Assignment{Task: t2, OfferId: "o2", AgentId: "agent-2"})

	require.Eventually(t, func() bool {
		e1, ok1 := f.FindEngineByChildId("task-1")
		e2, ok2 := f.FindEngineByChildId("task-2")
		return ok1 && ok2 && e1 == e2
	}, time.Second, time.Millisecond, "two tasks from the same job must share one Reconciliation Engine")
}

func TestFinishedTaskReleasesQueueConsumption(t *testing.T) {
	q, err := queue.New()
	require.NoError(t, err)
	q.SetSla(map[fleet.Tier][]fleet.CapacityGroupSLA{
		fleet.Critical: {{Name: "team-a", Tier: fleet.Critical, Dimension: "cpu", Guaranteed: 1, Max: 10}},
	})
	f := reconciler.NewFramework(testCfg(), clock.Real, nil)
	ctx, stopFramework := runFramework(t, f)

	a := New(q, f, nil, nil, testCfg())
	stopAdapter := runAdapter(t, a, ctx)
	defer stopAdapter()
	defer stopFramework()

	task := &fleet.Task{Id: "task-1", JobId: "job-1", Tier: fleet.Critical, CapacityGroup: "team-a", Request: fleet.ResourceRequest{CPU: 1}}
	a.OnAccepted(placement.Assignment{Task: task, OfferId: "o1", AgentId: "agent-1"})
	q.MarkLaunched(fleet.Critical, "team-a", fleet.ResourceRequest{CPU: 1})

	require.Eventually(t, func() bool {
		_, ok := f.FindEngineByRootId("job-1")
		return ok
	}, time.Second, time.Millisecond)
	engine, _ := f.FindEngineByRootId("job-1")

	finished := *task
	finished.State = fleet.Finished
	require.NoError(t, engine.ChangeReferenceModel(reconciler.Action{
		Name: "finish:" + task.Id,
		Run:  launchOutcome(&finished),
	}))

	require.Eventually(t, func() bool {
		_, tracked := a.tracked["task-1"]
		return !tracked
	}, time.Second, time.Millisecond, "the adapter must stop tracking a task once it observes Finished")
}
