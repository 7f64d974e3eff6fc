package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armada-fleet/corectl/internal/config"
)

func testCfg() config.ReconcilerConfig {
	return config.ReconcilerConfig{
		ActiveTimeoutMs:        1,
		IdleTimeoutMs:          10,
		StoreUpdateTimeoutMs:   50,
		ShutdownDrainTimeoutMs: 200,
	}
}

func immediateAction(name string, updates []ModelUpdateAction, err error) Action {
	return Action{Name: name, Run: func(ctx context.Context, reference *EntityHolder) <-chan ActionOutcome {
		out := make(chan ActionOutcome, 1)
		out <- ActionOutcome{Updates: updates, Err: err}
		return out
	}}
}

func TestChangeReferenceModelDrivesModelUpdateAndCompletionEvent(t *testing.T) {
	e := NewEngine("job-1", "bootstrap", nil, nil, testCfg())

	require.NoError(t, e.ChangeReferenceModel(immediateAction("add-task", []ModelUpdateAction{
		{TargetModel: ModelReference, Op: OpAdd, TaskId: "task-1", Payload: "payload"},
	}, nil)))

	_, running := e.TriggerEvents()
	assert.True(t, running, "the first cycle only starts the action")

	hasUpdates, running := e.TriggerEvents()
	assert.True(t, hasUpdates, "the second cycle polls the already-completed outcome and applies it")
	assert.False(t, running)

	var kinds []EventKind
	for i := 0; i < 3; i++ {
		select {
		case ev := <-e.Events():
			kinds = append(kinds, ev.Kind)
		default:
		}
	}
	assert.Contains(t, kinds, ChangeStarted)
	assert.Contains(t, kinds, ModelUpdated)
	assert.Contains(t, kinds, ChangeCompleted)

	child, ok := e.reference.Child("task-1")
	require.True(t, ok)
	assert.Equal(t, "payload", child.Entity)
}

func TestPartialGroupFailureRevertsPriorUpdates(t *testing.T) {
	e := NewEngine("job-1", "bootstrap", nil, nil, testCfg())

	require.NoError(t, e.ChangeReferenceModel(immediateAction("add-then-fail", []ModelUpdateAction{
		{TargetModel: ModelReference, Op: OpAdd, TaskId: "task-1", Payload: "p1"},
		{TargetModel: ModelReference, Op: OpTag, TaskId: "does-not-exist", TagKey: "x", Payload: 1},
	}, nil)))

	e.TriggerEvents() // starts the action
	e.TriggerEvents() // polls the completed outcome and applies its updates

	_, ok := e.reference.Child("task-1")
	assert.False(t, ok, "the add must be rolled back once the second update in the group fails")

	var sawFailed bool
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == ChangeFailed {
				sawFailed = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawFailed)
}

func TestTriggerEventsDrainsExternalQueueBeforeDiff(t *testing.T) {
	diffCalled := false
	diff := func(reference, running *EntityHolder) []Action {
		diffCalled = true
		return nil
	}
	e := NewEngine("job-1", "bootstrap", diff, nil, testCfg())
	require.NoError(t, e.ChangeReferenceModel(immediateAction("external", nil, nil)))

	e.TriggerEvents()
	assert.False(t, diffCalled, "an externally queued action takes priority over diffing")
}

func TestTriggerEventsFallsBackToDiffWhenQueueEmpty(t *testing.T) {
	called := false
	diff := func(reference, running *EntityHolder) []Action {
		called = true
		return []Action{immediateAction("reconcile", nil, nil)}
	}
	e := NewEngine("job-1", "bootstrap", diff, nil, testCfg())

	e.TriggerEvents()
	assert.True(t, called)
}

func TestChangeReferenceModelAfterShutdownFails(t *testing.T) {
	e := NewEngine("job-1", "bootstrap", nil, nil, testCfg())
	e.Shutdown()

	err := e.ChangeReferenceModel(immediateAction("too-late", nil, nil))
	assert.Error(t, err)
}

func TestShutdownIsIdempotentAndClosesEvents(t *testing.T) {
	e := NewEngine("job-1", "bootstrap", nil, nil, testCfg())
	e.Shutdown()
	e.Shutdown()

	_, ok := <-e.Events()
	assert.False(t, ok, "events channel is closed after shutdown")
}

func TestRetryerForCreatesOnePerTaskAndReuses(t *testing.T) {
	e := NewEngine("job-1", "bootstrap", nil, nil, testCfg())
	require.NoError(t, e.ChangeReferenceModel(immediateAction("add", []ModelUpdateAction{
		{TargetModel: ModelReference, Op: OpAdd, TaskId: "task-1", Payload: "p"},
	}, nil)))
	e.TriggerEvents() // starts the action
	e.TriggerEvents() // applies it, creating the task-1 child

	r1 := e.RetryerFor("task-1", 10, 1000)
	r2 := e.RetryerFor("task-1", 10, 1000)
	assert.Same(t, r1, r2)
}

func TestStoreWriteTimeoutSurfacesStoreTimeout(t *testing.T) {
	slow := storeWriterFunc(func(ctx context.Context, rootId string, action ModelUpdateAction) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testCfg()
	cfg.StoreUpdateTimeoutMs = 1
	e := NewEngine("job-1", "bootstrap", nil, slow, cfg)

	require.NoError(t, e.ChangeReferenceModel(immediateAction("store-write", []ModelUpdateAction{
		{TargetModel: ModelStore, Op: OpTag, TagKey: "x", Payload: 1},
	}, nil)))
	e.TriggerEvents() // starts the action
	e.TriggerEvents() // polls the outcome and attempts the (slow) store write

	var sawFailed bool
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == ChangeFailed {
				sawFailed = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawFailed)
}

type storeWriterFunc func(ctx context.Context, rootId string, action ModelUpdateAction) error

func (f storeWriterFunc) Store(ctx context.Context, rootId string, action ModelUpdateAction) error {
	return f(ctx, rootId, action)
}

func TestTriggerEventsDoesNotBlockOnStillRunningAction(t *testing.T) {
	release := make(chan struct{})
	slow := Action{Name: "slow", Run: func(ctx context.Context, reference *EntityHolder) <-chan ActionOutcome {
		out := make(chan ActionOutcome, 1)
		go func() {
			<-release
			out <- ActionOutcome{}
		}()
		return out
	}}
	e := NewEngine("job-1", "bootstrap", nil, nil, testCfg())
	require.NoError(t, e.ChangeReferenceModel(slow))

	done := make(chan struct{})
	go func() {
		_, running := e.TriggerEvents()
		assert.True(t, running)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerEvents blocked on a still-running action")
	}
	close(release)
}
