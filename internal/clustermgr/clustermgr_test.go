package clustermgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armada-fleet/corectl/internal/fleet"
)

type fakeClient struct {
	setDesired    map[string]int
	setDesiredErr error
	terminated    []string
	terminateErr  error
}

func (f *fakeClient) SetDesiredCapacity(_ context.Context, groupId string, count int) error {
	if f.setDesiredErr != nil {
		return f.setDesiredErr
	}
	if f.setDesired == nil {
		f.setDesired = map[string]int{}
	}
	f.setDesired[groupId] = count
	return nil
}

func (f *fakeClient) TerminateInstances(_ context.Context, _ string, instanceIds []string) ([]string, error) {
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	if f.terminated != nil {
		return f.terminated, nil
	}
	return instanceIds, nil
}

func TestSetGroupsEmitsAddedForNewGroup(t *testing.T) {
	m := New(&fakeClient{})
	m.SetGroups(map[string]fleet.InstanceGroup{"g1": {Id: "g1", MinSize: 1, MaxSize: 5}})

	ev := <-m.Events()
	assert.Equal(t, GroupAdded, ev.Kind)
	assert.Equal(t, "g1", ev.GroupId)
}

func TestSetGroupsEmitsUpdatedOnRuleChange(t *testing.T) {
	m := New(&fakeClient{})
	m.SetGroups(map[string]fleet.InstanceGroup{"g1": {Id: "g1", MinSize: 1, MaxSize: 5}})
	<-m.Events()

	m.SetGroups(map[string]fleet.InstanceGroup{"g1": {Id: "g1", MinSize: 2, MaxSize: 5}})
	ev := <-m.Events()
	assert.Equal(t, GroupUpdated, ev.Kind)
}

func TestSetGroupsIsQuietWhenRuleIsUnchanged(t *testing.T) {
	m := New(&fakeClient{})
	rule := map[string]fleet.InstanceGroup{"g1": {Id: "g1", MinSize: 1, MaxSize: 5}}
	m.SetGroups(rule)
	<-m.Events()

	m.SetGroups(rule)
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event for an unchanged rule: %+v", ev)
	default:
	}
}

func TestSetGroupsEmitsRemovedForDroppedGroup(t *testing.T) {
	m := New(&fakeClient{})
	m.SetGroups(map[string]fleet.InstanceGroup{"g1": {Id: "g1", MinSize: 1, MaxSize: 5}})
	<-m.Events()

	m.SetGroups(map[string]fleet.InstanceGroup{})
	ev := <-m.Events()
	assert.Equal(t, GroupRemoved, ev.Kind)
	assert.Equal(t, "g1", ev.GroupId)
}

func TestScaleUpTargetsMinSizePlusCount(t *testing.T) {
	client := &fakeClient{}
	m := New(client)
	m.SetGroups(map[string]fleet.InstanceGroup{"g1": {Id: "g1", MinSize: 3, MaxSize: 10}})
	<-m.Events()

	require.NoError(t, m.ScaleUp("g1", 4))
	assert.Equal(t, 7, client.setDesired["g1"])
}

func TestScaleUpOnUnknownGroupIsANoOp(t *testing.T) {
	client := &fakeClient{}
	m := New(client)
	require.NoError(t, m.ScaleUp("missing", 5))
	assert.Empty(t, client.setDesired)
}

func TestScaleDownReportsInstancesTheClientCouldNotTerminate(t *testing.T) {
	client := &fakeClient{terminated: []string{"i1"}}
	m := New(client)

	terminated, notTerminated, err := m.ScaleDown("g1", []string{"i1", "i2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, terminated)
	assert.Equal(t, []string{"i2"}, notTerminated)
}

func TestScaleDownPropagatesClientError(t *testing.T) {
	client := &fakeClient{terminateErr: assert.AnError}
	m := New(client)

	_, notTerminated, err := m.ScaleDown("g1", []string{"i1", "i2"})
	assert.Error(t, err)
	assert.Equal(t, []string{"i1", "i2"}, notTerminated, "every requested instance is presumed not terminated on error")
}
