// Package clustermgr implements the ClusterManager external interface (spec.md §6): executing
// scale-up/scale-down decisions against a cloud autoscaling group collaborator.
package clustermgr

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/armada-fleet/corectl/internal/fleet"
)

// GroupClient is the minimal cloud SDK surface a real autoscaling-group client exposes; a thin
// seam so this package stays independent of any one cloud vendor's SDK shape.
type GroupClient interface {
	SetDesiredCapacity(ctx context.Context, groupId string, count int) error
	TerminateInstances(ctx context.Context, groupId string, instanceIds []string) (terminated []string, err error)
}

// Event is an instance-group add/update/remove notification carrying the group's current
// AutoScaleRule, matching the ClusterManager event stream of spec.md §6.
type Event struct {
	GroupId string
	Kind    EventKind
	Rule    fleet.InstanceGroup
}

type EventKind int

const (
	GroupAdded EventKind = iota
	GroupUpdated
	GroupRemoved
)

// Manager adapts a GroupClient to placement.ScaleExecutor and tracks the current
// AutoScaleRule per group for the event stream.
type Manager struct {
	client GroupClient
	events chan Event

	mu     sync.Mutex
	rules  map[string]fleet.InstanceGroup
}

// New constructs a Manager over client.
func New(client GroupClient) *Manager {
	return &Manager{client: client, events: make(chan Event, 64), rules: map[string]fleet.InstanceGroup{}}
}

// Events returns the group add/update/remove stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SetGroups replaces the known instance groups, emitting Added/Updated/Removed events for the
// difference against the previous set.
func (m *Manager) SetGroups(groups map[string]fleet.InstanceGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make([]string, 0, len(groups))
	for id, rule := range groups {
		seen = append(seen, id)
		prior, existed := m.rules[id]
		m.rules[id] = rule
		switch {
		case !existed:
			m.emit(Event{GroupId: id, Kind: GroupAdded, Rule: rule})
		case prior != rule:
			m.emit(Event{GroupId: id, Kind: GroupUpdated, Rule: rule})
		}
	}
	for id, rule := range m.rules {
		if !slices.Contains(seen, id) {
			delete(m.rules, id)
			m.emit(Event{GroupId: id, Kind: GroupRemoved, Rule: rule})
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// ScaleUp implements placement.ScaleExecutor.
func (m *Manager) ScaleUp(groupId string, count int) error {
	m.mu.Lock()
	rule, ok := m.rules[groupId]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	target := rule.MinSize + count
	return m.client.SetDesiredCapacity(context.Background(), groupId, target)
}

// ScaleDown implements placement.ScaleExecutor, returning the instance ids the cloud
// collaborator could not terminate so the caller re-enables them in the offer pool.
func (m *Manager) ScaleDown(groupId string, instanceIds []string) (terminated []string, notTerminated []string, err error) {
	terminated, err = m.client.TerminateInstances(context.Background(), groupId, instanceIds)
	if err != nil {
		return nil, instanceIds, err
	}
	for _, id := range instanceIds {
		if !slices.Contains(terminated, id) {
			notTerminated = append(notTerminated, id)
		}
	}
	return terminated, notTerminated, nil
}
