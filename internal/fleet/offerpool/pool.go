// Package offerpool implements the Offer Pool (C2): the set of currently live resource offers
// per agent, with expiry (spec.md §4.2).
package offerpool

import (
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	gocache "github.com/patrickmn/go-cache"

	"github.com/armada-fleet/corectl/internal/fleet"
)

const (
	tableOffers = "offers"
	indexId     = "id"
	indexAgent  = "agent"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableOffers: {
				Name: tableOffers,
				Indexes: map[string]*memdb.IndexSchema{
					indexId: {
						Name:    indexId,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					indexAgent: {
						Name:    indexAgent,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "AgentId"},
					},
				},
			},
		},
	}
}

// RejectFunc is invoked when an offer is rejected back to its originating OfferSource.
type RejectFunc func(offerId string, reason string)

// AgentState is a consistent, point-in-time view of one agent's offers as of a Snapshot call.
type AgentState struct {
	Agent  fleet.Agent
	Offers []fleet.Offer
}

// Pool tracks live offers per agent, exposing snapshots for the placement engine and
// enable/disable controls driven by the AgentStatusMonitor collaborator (spec.md §4.2, §6).
type Pool struct {
	mu     sync.Mutex
	db     *memdb.MemDB
	agents map[string]*fleet.Agent
	reject RejectFunc
	// ttl is a bookkeeping cache mirroring each offer's lease so an OnEvicted callback can
	// proactively reject offers that go stale between placement iterations, ahead of the
	// memdb-index rebuild that happens at the start of the next iteration.
	ttl *gocache.Cache
}

// New constructs an empty Pool. leaseOfferExpiry bounds how long an offer is held without a
// placement iteration observing it, per spec.md §4.2 eviction rule.
func New(reject RejectFunc, leaseOfferExpiry time.Duration) (*Pool, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	p := &Pool{
		db:     db,
		agents: make(map[string]*fleet.Agent),
		reject: reject,
		ttl:    gocache.New(leaseOfferExpiry, leaseOfferExpiry/2),
	}
	p.ttl.OnEvicted(func(offerId string, _ interface{}) {
		p.RejectOffer(offerId, "lease expired")
	})
	return p, nil
}

// AddOffer inserts an offer into the pool. If the agent has not been seen before it is created
// (spec.md §3: "Created when first offer arrives"). If the agent is currently disabled the
// offer is held but excluded from Snapshot until it is re-enabled or expires.
func (p *Pool) AddOffer(offer fleet.Offer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[offer.AgentId]; !ok {
		p.agents[offer.AgentId] = &fleet.Agent{
			Id:           offer.AgentId,
			Attributes:   offer.Attributes,
			RunningTasks: map[string]bool{},
		}
	}
	txn := p.db.Txn(true)
	o := offer
	txn.Insert(tableOffers, &o)
	txn.Commit()
	p.ttl.Set(offer.Id, struct{}{}, gocache.DefaultExpiration)
}

// RejectOffer removes the offer and notifies the offer source of why.
func (p *Pool) RejectOffer(id string, reason string) {
	p.mu.Lock()
	txn := p.db.Txn(true)
	raw, _ := txn.First(tableOffers, indexId, id)
	if raw == nil {
		txn.Abort()
		p.mu.Unlock()
		return
	}
	txn.Delete(tableOffers, raw)
	txn.Commit()
	p.mu.Unlock()
	p.ttl.Delete(id)
	if p.reject != nil {
		p.reject(id, reason)
	}
}

// ExpireAllFor bulk-rejects every offer held for agent.
func (p *Pool) ExpireAllFor(agentId string) {
	p.mu.Lock()
	txn := p.db.Txn(false)
	it, _ := txn.Get(tableOffers, indexAgent, agentId)
	var ids []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		ids = append(ids, raw.(*fleet.Offer).Id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.RejectOffer(id, "agent offers expired")
	}
}

// Enable marks agentId available for placement again.
func (p *Pool) Enable(agentId string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[agentId]; ok {
		a.DisabledUntil = time.Time{}
	}
}

// Disable marks agentId unavailable for placement for duration; its offers remain in the pool
// until they expire (spec.md §4.2).
func (p *Pool) Disable(agentId string, duration time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentId]
	if !ok {
		a = &fleet.Agent{Id: agentId, RunningTasks: map[string]bool{}}
		p.agents[agentId] = a
	}
	a.DisabledUntil = now.Add(duration)
}

// Snapshot returns a consistent list of enabled agent states for one placement iteration,
// after evicting offers that are expired or older than leaseOfferExpiry (spec.md §4.2).
func (p *Pool) Snapshot(now time.Time, leaseOfferExpiry time.Duration) []AgentState {
	p.mu.Lock()
	txn := p.db.Txn(false)
	it, _ := txn.Get(tableOffers, indexId)
	byAgent := map[string][]fleet.Offer{}
	var toEvict []struct{ id, reason string }
	for raw := it.Next(); raw != nil; raw = it.Next() {
		o := *raw.(*fleet.Offer)
		if o.Expired(now) {
			toEvict = append(toEvict, struct{ id, reason string }{o.Id, "offer expired"})
			continue
		}
		if now.Sub(o.IssuedAt) > leaseOfferExpiry {
			toEvict = append(toEvict, struct{ id, reason string }{o.Id, "lease offer expiry exceeded"})
			continue
		}
		byAgent[o.AgentId] = append(byAgent[o.AgentId], o)
	}

	var states []AgentState
	for agentId, offers := range byAgent {
		agent, ok := p.agents[agentId]
		if !ok {
			continue
		}
		if agent.IsDisabled(now) {
			continue
		}
		states = append(states, AgentState{Agent: *agent, Offers: offers})
	}
	p.mu.Unlock()

	for _, e := range toEvict {
		p.RejectOffer(e.id, e.reason)
	}
	return states
}

// AgentCount reports the number of known agents.
func (p *Pool) AgentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// RemoveAgentIfIdle drops an inactive agent once all its tasks have migrated away, per the
// Agent lifecycle in spec.md §3 ("removed when marked inactive AND all its tasks migrated").
func (p *Pool) RemoveAgentIfIdle(agentId string, inactive bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentId]
	if !ok || !inactive || len(a.RunningTasks) > 0 {
		return false
	}
	delete(p.agents, agentId)
	return true
}
