package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armada-fleet/corectl/internal/armadacontext"
	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/config"
)

func frameworkCfg() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		ActiveTimeoutMs:        1,
		IdleTimeoutMs:          5,
		StoreUpdateTimeoutMs:   50,
		ShutdownDrainTimeoutMs: 200,
	}
}

func runFramework(t *testing.T, f *Framework) (*armadacontext.Context, func()) {
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

func TestNewEngineIsFindableByRootAndChildId(t *testing.T) {
	f := NewFramework(frameworkCfg(), clock.Real, nil)
	_, stop := runFramework(t, f)
	defer stop()

	e := NewEngine("job-1", "bootstrap", nil, nil, frameworkCfg())
	require.NoError(t, f.NewEngine(e))

	require.NoError(t, e.ChangeReferenceModel(immediateAction("add", []ModelUpdateAction{
		{TargetModel: ModelReference, Op: OpAdd, TaskId: "task-1", Payload: "p"},
	}, nil)))

	require.Eventually(t, func() bool {
		_, ok := f.FindEngineByChildId("task-1")
		return ok
	}, time.Second, time.Millisecond, "the loop should pick up task-1 once its add is applied")

	got, ok := f.FindEngineByRootId("job-1")
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestRemoveEngineShutsItDownAndDropsIndexes(t *testing.T) {
	f := NewFramework(frameworkCfg(), clock.Real, nil)
	_, stop := runFramework(t, f)
	defer stop()

	e := NewEngine("job-1", "bootstrap", nil, nil, frameworkCfg())
	require.NoError(t, f.NewEngine(e))
	require.NoError(t, f.RemoveEngine("job-1"))

	_, ok := f.FindEngineByRootId("job-1")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, ok := <-e.Events()
		return !ok
	}, time.Second, time.Millisecond, "removing an engine shuts it down, closing its event stream")
}

func TestFrameworkEventsMergesEngineStreams(t *testing.T) {
	f := NewFramework(frameworkCfg(), clock.Real, nil)
	_, stop := runFramework(t, f)
	defer stop()

	e := NewEngine("job-1", "bootstrap", nil, nil, frameworkCfg())
	require.NoError(t, f.NewEngine(e))
	require.NoError(t, e.ChangeReferenceModel(immediateAction("add", []ModelUpdateAction{
		{TargetModel: ModelReference, Op: OpAdd, TaskId: "task-1", Payload: "p"},
	}, nil)))

	var sawCompleted bool
	deadline := time.After(time.Second)
	for !sawCompleted {
		select {
		case ev := <-f.Events():
			if ev.Kind == ChangeCompleted {
				sawCompleted = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for a ChangeCompleted event to reach the merged stream")
		}
	}
}

func TestRunStopsOnContextCancellationAndClosesEvents(t *testing.T) {
	f := NewFramework(frameworkCfg(), clock.Real, nil)
	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	_, ok := <-f.Events()
	assert.False(t, ok)
}

func TestNewEngineAfterShutdownFails(t *testing.T) {
	f := NewFramework(frameworkCfg(), clock.Real, nil)
	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := f.NewEngine(NewEngine("job-2", "bootstrap", nil, nil, frameworkCfg()))
	assert.Error(t, err)
}

func TestOrderedViewSortsByProvidedComparator(t *testing.T) {
	f := NewFramework(frameworkCfg(), clock.Real, nil)
	_, stop := runFramework(t, f)
	defer stop()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, f.NewEngine(NewEngine(id, "bootstrap", nil, nil, frameworkCfg())))
	}

	view := f.OrderedView(func(a, b *Engine) bool { return a.RootId < b.RootId })
	require.Len(t, view, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{view[0].RootId, view[1].RootId, view[2].RootId})
}
