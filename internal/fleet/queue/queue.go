// Package queue implements the Tiered Task Queue (C1): an ordered multi-tier holding area for
// tasks awaiting placement, with per-tier capacity-group SLAs and a weighted-fair-share drain
// order (spec.md §4.1).
package queue

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"

	"github.com/armada-fleet/corectl/internal/errkind"
	"github.com/armada-fleet/corectl/internal/fleet"
)

const (
	tableTasks = "tasks"
	indexId    = "id"
	indexTier  = "tier"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTasks: {
				Name: tableTasks,
				Indexes: map[string]*memdb.IndexSchema{
					indexId: {
						Name:    indexId,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					indexTier: {
						Name:         indexTier,
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.IntFieldIndex{Field: "Tier"},
					},
				},
			},
		},
	}
}

// entry is the memdb-stored record: the task plus a monotonic sequence number that gives FIFO
// order within a (tier, capacity group) pair, the way the teacher's SchedulerJob carries a
// Timestamp field for FIFO tie-breaking within a queue (internal/scheduler/jobdb.go).
type entry struct {
	*fleet.Task
	Seq int64
}

// Queue is the tiered, capacity-group-aware holding area described in spec.md §4.1.
// Its shared mutable state is the memdb instance, the SLA set and the per-group consumption
// map, matching the "shared resource policy" of spec.md §5: everything else is owned by the
// caller's snapshot.
type Queue struct {
	mu       sync.Mutex
	db       *memdb.MemDB
	seq      int64
	slas     atomic.Value // map[fleet.Tier][]fleet.CapacityGroupSLA
	shutdown atomic.Bool
	// consumption tracks each capacity group's currently allocated amount of its SLA
	// dimension, credited by MarkLaunched and released by MarkFinished.
	consumptionMu sync.RWMutex
	consumption   map[string]float64
}

// New constructs an empty Queue.
func New() (*Queue, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db, consumption: make(map[string]float64)}
	q.slas.Store(map[fleet.Tier][]fleet.CapacityGroupSLA{})
	return q, nil
}

// Enqueue places a task into its tier's bucket. It fails with ShutdownInProgress if the queue
// has been shut down.
func (q *Queue) Enqueue(task *fleet.Task) error {
	if q.shutdown.Load() {
		return &errkind.ShutdownInProgress{Component: "queue"}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e := &entry{Task: task, Seq: q.seq}
	txn := q.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableTasks, e); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Remove idempotently removes a task by id, tier, and optional hostname hint, reporting
// whether a task was present.
func (q *Queue) Remove(taskId string, tier fleet.Tier, hostname string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	txn := q.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableTasks, indexId, taskId)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	e := raw.(*entry)
	if e.Tier != tier {
		return false, nil
	}
	if hostname != "" && e.Hostname != "" && e.Hostname != hostname {
		return false, nil
	}
	if err := txn.Delete(tableTasks, raw); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

// SetSla atomically replaces the current per-tier SLAs; the next drain uses the new set.
func (q *Queue) SetSla(tierSlas map[fleet.Tier][]fleet.CapacityGroupSLA) {
	cp := make(map[fleet.Tier][]fleet.CapacityGroupSLA, len(tierSlas))
	for tier, slas := range tierSlas {
		cp[tier] = append([]fleet.CapacityGroupSLA(nil), slas...)
	}
	q.slas.Store(cp)
}

// MarkLaunched credits a capacity group's running consumption with a just-launched task's
// footprint in the group's SLA dimension, called by the placement engine once per accepted
// assignment (spec.md §4.1 cross-iteration fair-share accounting). Groups without a configured
// SLA for tier are untracked, matching fairShareOrder's unlimited-group treatment.
func (q *Queue) MarkLaunched(tier fleet.Tier, group string, req fleet.ResourceRequest) {
	q.adjustConsumption(tier, group, req, 1)
}

// MarkFinished releases a finished task's footprint back to its capacity group, called by the
// job subsystem once the task's Reconciliation Engine reports it Finished.
func (q *Queue) MarkFinished(tier fleet.Tier, group string, req fleet.ResourceRequest) {
	q.adjustConsumption(tier, group, req, -1)
}

func (q *Queue) adjustConsumption(tier fleet.Tier, group string, req fleet.ResourceRequest, sign float64) {
	slas, _ := q.slas.Load().(map[fleet.Tier][]fleet.CapacityGroupSLA)
	var dimension string
	for _, s := range slas[tier] {
		if s.Name == group {
			dimension = s.Dimension
			break
		}
	}
	if dimension == "" {
		return
	}
	q.consumptionMu.Lock()
	defer q.consumptionMu.Unlock()
	next := q.consumption[group] + sign*resourceDimension(req, dimension)
	if next < 0 {
		next = 0
	}
	q.consumption[group] = next
}

func (q *Queue) currentConsumption(group string) float64 {
	q.consumptionMu.RLock()
	defer q.consumptionMu.RUnlock()
	return q.consumption[group]
}

// Shutdown marks the queue closed; subsequent Enqueue calls fail.
func (q *Queue) Shutdown() {
	q.shutdown.Store(true)
}

// DrainForIteration produces a snapshot slice ordered by (tier ascending, FIFO within tier,
// capacity-group fair-share), per spec.md §4.1. The snapshot does not remove tasks from the
// queue; callers remove tasks explicitly once placed or otherwise resolved.
func (q *Queue) DrainForIteration() ([]*fleet.Task, error) {
	q.mu.Lock()
	txn := q.db.Txn(false)
	it, err := txn.Get(tableTasks, indexId)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	byTier := map[fleet.Tier][]*entry{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := raw.(*entry)
		byTier[e.Tier] = append(byTier[e.Tier], e)
	}

	slas, _ := q.slas.Load().(map[fleet.Tier][]fleet.CapacityGroupSLA)

	var out []*fleet.Task
	for _, tier := range []fleet.Tier{fleet.Critical, fleet.Flex} {
		entries := byTier[tier]
		if len(entries) == 0 {
			continue
		}
		out = append(out, q.fairShareOrder(tier, entries, slas[tier])...)
	}
	return out, nil
}

// fairShareOrder implements the weighted round-robin fair-share policy of spec.md §4.1: within
// a tier, groups below guaranteed take turns first (round-robin, ties by group name), then
// groups still below max*(1+buffer) take turns, and groups above that ceiling are skipped.
// Tasks with no configured SLA for their capacity group are skipped in the guaranteed phase and
// join the second round-robin as a group with no ceiling, so every guaranteed share is served
// before an unconfigured group gets a turn.
func (q *Queue) fairShareOrder(tier fleet.Tier, entries []*entry, slas []fleet.CapacityGroupSLA) []*fleet.Task {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	slaByGroup := make(map[string]fleet.CapacityGroupSLA, len(slas))
	for _, s := range slas {
		slaByGroup[s.Name] = s
	}

	byGroup := map[string][]*entry{}
	var groupNames []string
	for _, e := range entries {
		if _, seen := byGroup[e.CapacityGroup]; !seen {
			groupNames = append(groupNames, e.CapacityGroup)
		}
		byGroup[e.CapacityGroup] = append(byGroup[e.CapacityGroup], e)
	}
	sort.Strings(groupNames)

	cursor := make(map[string]int, len(groupNames))
	provisional := make(map[string]float64, len(groupNames))
	for _, name := range groupNames {
		provisional[name] = q.currentConsumption(name)
	}

	dimensionOf := func(e *entry, dimension string) float64 {
		return resourceDimension(e.Request, dimension)
	}

	take := func(name string) *fleet.Task {
		bucket := byGroup[name]
		idx := cursor[name]
		if idx >= len(bucket) {
			return nil
		}
		e := bucket[idx]
		cursor[name]++
		sla, ok := slaByGroup[name]
		if ok {
			provisional[name] += dimensionOf(e, sla.Dimension)
		}
		return e.Task
	}

	var out []*fleet.Task

	// Phase 1: round-robin among groups still below their guaranteed share.
	progress := true
	for progress {
		progress = false
		for _, name := range groupNames {
			sla, hasSla := slaByGroup[name]
			if !hasSla {
				continue
			}
			if provisional[name] >= sla.Guaranteed {
				continue
			}
			if t := take(name); t != nil {
				out = append(out, t)
				progress = true
			}
		}
	}

	// Phase 2: round-robin among groups still below max*(1+buffer).
	progress = true
	for progress {
		progress = false
		for _, name := range groupNames {
			sla, hasSla := slaByGroup[name]
			if hasSla && provisional[name] >= sla.MaxWithBuffer() {
				continue
			}
			if t := take(name); t != nil {
				out = append(out, t)
				progress = true
			}
		}
	}

	return out
}

func resourceDimension(r fleet.ResourceRequest, dimension string) float64 {
	switch dimension {
	case "cpu":
		return r.CPU
	case "memoryMB":
		return float64(r.MemoryMB)
	case "diskMB":
		return float64(r.DiskMB)
	case "networkMbps":
		return float64(r.NetworkMbps)
	case "gpus":
		return float64(r.GPUs)
	case "ports":
		return float64(r.Ports)
	default:
		return float64(r.NamedConsumable[dimension])
	}
}
