package reconciler

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/armada-fleet/corectl/internal/armadacontext"
	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/errkind"
	"github.com/armada-fleet/corectl/internal/metrics"
)

type addRequest struct {
	engine *Engine
	ack    chan error
}

type removeRequest struct {
	rootId string
	ack    chan error
}

// Framework is the Reconciliation Framework (C7): owns the engine set, its indexes, and the
// merged event stream, and drives every engine's triggerEvents() from a single loop
// (spec.md §4.7).
type Framework struct {
	cfg     config.ReconcilerConfig
	clock   clock.Clock
	metrics *metrics.Registry

	addQueue    chan addRequest
	removeQueue chan removeRequest
	events      chan Event
	closed      atomic.Bool

	mu         sync.RWMutex
	byRootId   map[string]*Engine
	byChildId  map[string]string
	forwarders map[string]chan struct{}
}

// NewFramework constructs an empty Framework.
func NewFramework(cfg config.ReconcilerConfig, clk clock.Clock, m *metrics.Registry) *Framework {
	return &Framework{
		cfg:         cfg,
		clock:       clk,
		metrics:     m,
		addQueue:    make(chan addRequest, 256),
		removeQueue: make(chan removeRequest, 256),
		events:      make(chan Event, 1024),
		byRootId:    map[string]*Engine{},
		byChildId:   map[string]string{},
		forwarders:  map[string]chan struct{}{},
	}
}

// NewEngine enqueues creation of engine and blocks until it is admitted into the set at the next
// loop tick (spec.md §4.7 "completes the caller's future when the engine is admitted").
func (f *Framework) NewEngine(engine *Engine) error {
	if f.closed.Load() {
		return &errkind.ShutdownInProgress{Component: "reconciliation framework"}
	}
	ack := make(chan error, 1)
	f.addQueue <- addRequest{engine: engine, ack: ack}
	return <-ack
}

// RemoveEngine enqueues removal of the engine rooted at rootId; the loop shuts it down and
// removes it from the indexes before acking.
func (f *Framework) RemoveEngine(rootId string) error {
	if f.closed.Load() {
		return &errkind.ShutdownInProgress{Component: "reconciliation framework"}
	}
	ack := make(chan error, 1)
	f.removeQueue <- removeRequest{rootId: rootId, ack: ack}
	return <-ack
}

// Events returns the merged stream of every current engine's events. Subscribing after an
// engine has started does not replay its past events (spec.md §4.7).
func (f *Framework) Events() <-chan Event {
	return f.events
}

// FindEngineByRootId looks up an engine by its root entity id.
func (f *Framework) FindEngineByRootId(id string) (*Engine, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.byRootId[id]
	return e, ok
}

// FindEngineByChildId looks up the engine owning a given child (task) id.
func (f *Framework) FindEngineByChildId(id string) (*Engine, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rootId, ok := f.byChildId[id]
	if !ok {
		return nil, false
	}
	e, ok := f.byRootId[rootId]
	return e, ok
}

// OrderedView returns every current engine sorted by less.
func (f *Framework) OrderedView(less func(a, b *Engine) bool) []*Engine {
	f.mu.RLock()
	out := make([]*Engine, 0, len(f.byRootId))
	for _, e := range f.byRootId {
		out = append(out, e)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Run drives the single-threaded main loop of spec.md §4.7 until ctx is cancelled.
func (f *Framework) Run(ctx *armadacontext.Context) error {
	defer func() {
		f.closed.Store(true)
		f.drainAllOnShutdown()
		close(f.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		changedBySetOps := f.drainAddRemove(ctx)
		if changedBySetOps {
			f.rebuildIndexes()
		}

		engines := f.snapshotEngines()
		var anyModelUpdates, anyPending bool
		for _, e := range engines {
			hasUpdates, running := func() (u, r bool) {
				defer func() {
					if rec := recover(); rec != nil {
						ctx.Log.WithField("root", e.RootId).Errorf("reconciliation engine panicked: %v", rec)
					}
				}()
				return e.TriggerEvents()
			}()
			anyModelUpdates = anyModelUpdates || hasUpdates
			anyPending = anyPending || running
		}
		if anyModelUpdates {
			f.rebuildIndexes()
			if f.metrics != nil {
				f.metrics.ModelUpdatesApplied.WithLabelValues("reference").Inc()
			}
		}

		sleep := f.cfg.IdleTimeout()
		if anyPending {
			sleep = f.cfg.ActiveTimeout()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-f.clock.After(sleep):
		}
	}
}

// drainAddRemove processes every currently-queued add/remove request non-blockingly, admitting
// or removing engines and starting/stopping their event forwarders. It reports whether the
// engine set changed.
func (f *Framework) drainAddRemove(ctx *armadacontext.Context) bool {
	changed := false
	for {
		select {
		case req := <-f.addQueue:
			f.mu.Lock()
			f.byRootId[req.engine.RootId] = req.engine
			f.mu.Unlock()
			f.startForwarder(req.engine)
			changed = true
			req.ack <- nil
		case req := <-f.removeQueue:
			f.mu.Lock()
			e, ok := f.byRootId[req.rootId]
			delete(f.byRootId, req.rootId)
			f.mu.Unlock()
			if ok {
				e.Shutdown()
				f.stopForwarder(req.rootId)
				changed = true
			}
			req.ack <- nil
		default:
			return changed
		}
	}
}

func (f *Framework) drainAllOnShutdown() {
	f.mu.Lock()
	engines := make([]*Engine, 0, len(f.byRootId))
	for id, e := range f.byRootId {
		engines = append(engines, e)
		delete(f.byRootId, id)
	}
	f.byChildId = map[string]string{}
	f.mu.Unlock()
	for _, e := range engines {
		e.Shutdown()
	}
	for id := range f.forwarders {
		f.stopForwarder(id)
	}
}

func (f *Framework) rebuildIndexes() {
	f.mu.Lock()
	defer f.mu.Unlock()
	byChild := map[string]string{}
	for rootId, e := range f.byRootId {
		e.mu.Lock()
		for childId := range e.reference.Children {
			byChild[childId] = rootId
		}
		e.mu.Unlock()
	}
	f.byChildId = byChild
}

func (f *Framework) snapshotEngines() []*Engine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Engine, 0, len(f.byRootId))
	for _, e := range f.byRootId {
		out = append(out, e)
	}
	return out
}

func (f *Framework) startForwarder(e *Engine) {
	stop := make(chan struct{})
	f.mu.Lock()
	f.forwarders[e.RootId] = stop
	f.mu.Unlock()
	go func() {
		for {
			select {
			case ev, ok := <-e.Events():
				if !ok {
					return
				}
				select {
				case f.events <- ev:
				default:
				}
			case <-stop:
				return
			}
		}
	}()
}

func (f *Framework) stopForwarder(rootId string) {
	f.mu.Lock()
	stop, ok := f.forwarders[rootId]
	delete(f.forwarders, rootId)
	f.mu.Unlock()
	if ok {
		close(stop)
	}
}
