package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/errkind"
)

// EventKind distinguishes the events an Engine emits on its stream (spec.md §4.6 step 3).
type EventKind int

const (
	ChangeStarted EventKind = iota
	ChangeCompleted
	ChangeFailed
	ModelUpdated
)

// Event is emitted once per lifecycle transition of a ChangeAction or ReconcilerAction, or once
// per applied ModelUpdateAction.
type Event struct {
	Kind       EventKind
	RootId     string
	ActionName string
	Model      Model
	Err        error
}

// StoreWriter is the external JobStore collaborator acknowledging Store-model writes
// (spec.md §6). A non-nil error that is not a context deadline is surfaced as StoreUnavailable;
// a context deadline is surfaced as StoreTimeout.
type StoreWriter interface {
	Store(ctx context.Context, rootId string, action ModelUpdateAction) error
}

type appliedDelta struct {
	model        Model
	compensating ModelUpdateAction
}

type runningAction struct {
	action Action
	cancel context.CancelFunc
	done   <-chan ActionOutcome
}

// Engine is the Reconciliation Engine (C6): one per root entity (job), owning three EntityHolder
// trees and driving them toward convergence one action at a time (spec.md §4.6).
type Engine struct {
	RootId string

	mu        sync.Mutex
	reference *EntityHolder
	running   *EntityHolder
	store     *EntityHolder

	externalQueue []Action
	current       *runningAction

	diff        DiffFunc
	storeWriter StoreWriter
	cfg         config.ReconcilerConfig

	events  chan Event
	closed  bool
	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewEngine constructs an Engine rooted at bootstrap, sharing the same holder id and payload
// across all three models until the diff/change actions drive them apart.
func NewEngine(rootId string, bootstrap interface{}, diff DiffFunc, store StoreWriter, cfg config.ReconcilerConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		RootId:      rootId,
		reference:   NewHolder(rootId, bootstrap),
		running:     NewHolder(rootId, bootstrap),
		store:       NewHolder(rootId, bootstrap),
		diff:        diff,
		storeWriter: store,
		cfg:         cfg,
		events:      make(chan Event, 64),
		rootCtx:     ctx,
		cancel:      cancel,
	}
}

// ChangeReferenceModel enqueues an external change request, e.g. kill job, add task
// (spec.md §4.6). It fails with ShutdownInProgress once Shutdown has been called.
func (e *Engine) ChangeReferenceModel(action Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &errkind.ShutdownInProgress{Component: fmt.Sprintf("reconciliation engine %s", e.RootId)}
	}
	e.externalQueue = append(e.externalQueue, action)
	return nil
}

// Events returns the engine's event stream; it is closed once Shutdown has drained in-flight
// work (spec.md §4.6 "events() — lazy event stream, finite when the engine is shut down").
func (e *Engine) Events() <-chan Event {
	return e.events
}

// TriggerEvents runs one cycle: apply updates from a just-completed action, start the next
// action if none is running, and emit events for both (spec.md §4.6). It never blocks waiting
// on a running action's completion.
func (e *Engine) TriggerEvents() (hasModelUpdates bool, runningChangeActions bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		select {
		case outcome := <-e.current.done:
			e.applyOutcomeLocked(e.current.action.Name, outcome)
			hasModelUpdates = outcome.Err == nil && len(outcome.Updates) > 0
			e.current = nil
		default:
		}
	}

	if e.current == nil && !e.closed {
		next, ok := e.nextActionLocked()
		if ok {
			ctx, cancel := context.WithCancel(e.rootCtx)
			e.emitLocked(Event{Kind: ChangeStarted, RootId: e.RootId, ActionName: next.Name})
			done := next.Run(ctx, e.reference.Clone())
			e.current = &runningAction{action: next, cancel: cancel, done: done}
		}
	}

	return hasModelUpdates, e.current != nil
}

func (e *Engine) nextActionLocked() (Action, bool) {
	if len(e.externalQueue) > 0 {
		next := e.externalQueue[0]
		e.externalQueue = e.externalQueue[1:]
		return next, true
	}
	if e.diff == nil {
		return Action{}, false
	}
	actions := e.diff(e.reference.Clone(), e.running.Clone())
	if len(actions) == 0 {
		return Action{}, false
	}
	return actions[0], true
}

func (e *Engine) applyOutcomeLocked(actionName string, outcome ActionOutcome) {
	if outcome.Err != nil {
		e.emitLocked(Event{Kind: ChangeFailed, RootId: e.RootId, ActionName: actionName, Err: outcome.Err})
		return
	}
	var applied []appliedDelta
	for _, u := range outcome.Updates {
		comp, err := e.applyOneLocked(u)
		if err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				_, _ = e.applyDirectLocked(applied[i].model, applied[i].compensating)
			}
			e.emitLocked(Event{Kind: ChangeFailed, RootId: e.RootId, ActionName: actionName, Err: err})
			return
		}
		applied = append(applied, appliedDelta{model: u.TargetModel, compensating: comp})
		e.emitLocked(Event{Kind: ModelUpdated, RootId: e.RootId, ActionName: actionName, Model: u.TargetModel})
	}
	e.emitLocked(Event{Kind: ChangeCompleted, RootId: e.RootId, ActionName: actionName})
}

// applyOneLocked applies u to its target model, routing Store updates through the external
// StoreWriter with a hard timeout (spec.md §4.6 consistency rules).
func (e *Engine) applyOneLocked(u ModelUpdateAction) (ModelUpdateAction, error) {
	if u.TargetModel != ModelStore || e.storeWriter == nil {
		return e.applyDirectLocked(u.TargetModel, u)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreUpdateTimeout())
	defer cancel()
	err := e.storeWriter.Store(ctx, e.RootId, u)
	if err != nil {
		if ctx.Err() != nil {
			return ModelUpdateAction{}, &errkind.StoreTimeout{TaskId: u.TaskId}
		}
		return ModelUpdateAction{}, &errkind.StoreUnavailable{Cause: err}
	}
	return e.applyDirectLocked(u.TargetModel, u)
}

func (e *Engine) applyDirectLocked(model Model, u ModelUpdateAction) (ModelUpdateAction, error) {
	tree := e.modelTreeLocked(model)
	return Apply(tree, u)
}

func (e *Engine) modelTreeLocked(m Model) *EntityHolder {
	switch m {
	case ModelReference:
		return e.reference
	case ModelRunning:
		return e.running
	default:
		return e.store
	}
}

func (e *Engine) emitLocked(ev Event) {
	select {
	case e.events <- ev:
	default:
		// slow consumer: drop rather than block the engine's own trigger cycle.
	}
}

// Shutdown cancels any running action's context, waits for it to settle, and closes the event
// stream (spec.md §4.6 "drains in-flight actions with a cancellation error, then completes the
// event stream").
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	current := e.current
	e.current = nil
	e.cancel()
	e.mu.Unlock()

	if current != nil {
		if timeout := msToDuration(e.cfg.ShutdownDrainTimeoutMs); timeout > 0 {
			select {
			case <-current.done:
			case <-time.After(timeout):
			}
		} else {
			<-current.done
		}
	}
	close(e.events)
}

// ReferenceChildEntity returns the current Reference-model payload for a child (task) id, for
// external subscribers that need to inspect state carried on an event rather than diff against
// it (spec.md §4.7 "subscribers"). It never returns the internal holder itself, so callers can't
// mutate the model outside a ChangeReferenceModel action.
func (e *Engine) ReferenceChildEntity(taskId string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	child, ok := e.reference.Child(taskId)
	if !ok {
		return nil, false
	}
	return child.Entity, true
}

// RetryerFor returns the Retryer tagged on the root holder for taskId, creating one on first
// use.
func (e *Engine) RetryerFor(taskId string, base, max int64) *Retryer {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := retryerTagKey + ":" + taskId
	if r, ok := e.reference.Tags[key].(*Retryer); ok {
		return r
	}
	r := NewRetryer(msToDuration(base), msToDuration(max))
	e.reference.Tags[key] = r
	return r
}
