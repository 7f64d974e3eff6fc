package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/fleet"
)

func newController(fc *clock.FakeClock, groups map[string]fleet.InstanceGroup, delayUp, delayDown time.Duration) *Controller {
	return New(groups, delayUp, delayDown, fc)
}

func TestScaleUpRequiresSustainedShortfallPastDelay(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	groups := map[string]fleet.InstanceGroup{
		"g": {Id: "g", MinSize: 0, MaxSize: 100, ShortfallAdjustingFactor: 1},
	}
	c := newController(fc, groups, 10*time.Second, time.Minute)

	demand := []GroupDemand{{GroupId: "g", UnsatisfiedDemand: 40, TypicalSlot: 4, CurrentSize: 0}}

	dec := c.Decide(demand)
	assert.Empty(t, dec.ScaleUps, "the first observation only starts the shortfall timer")

	fc.SetTime(fc.Now().Add(5 * time.Second))
	dec = c.Decide(demand)
	assert.Empty(t, dec.ScaleUps, "delayAutoscaleUpBySecs has not elapsed yet")

	fc.SetTime(fc.Now().Add(6 * time.Second))
	dec = c.Decide(demand)
	require.Len(t, dec.ScaleUps, 1)
	assert.Equal(t, 10, dec.ScaleUps[0].Count, "ceil(40/4)=10 additional instances")
}

func TestScaleUpClippedToMax(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	groups := map[string]fleet.InstanceGroup{
		"g": {Id: "g", MinSize: 0, MaxSize: 5, ShortfallAdjustingFactor: 1},
	}
	c := newController(fc, groups, 0, time.Minute)
	demand := []GroupDemand{{GroupId: "g", UnsatisfiedDemand: 40, TypicalSlot: 4, CurrentSize: 0}}

	c.Decide(demand) // seeds the shortfall timer
	dec := c.Decide(demand)
	require.Len(t, dec.ScaleUps, 1)
	assert.Equal(t, 5, dec.ScaleUps[0].Count)
}

func TestScaleUpRespectsCoolDown(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	groups := map[string]fleet.InstanceGroup{
		"g": {Id: "g", MinSize: 0, MaxSize: 100, ShortfallAdjustingFactor: 1, CoolDownSec: 30},
	}
	c := newController(fc, groups, 0, time.Minute)
	demand := []GroupDemand{{GroupId: "g", UnsatisfiedDemand: 40, TypicalSlot: 4, CurrentSize: 0}}

	c.Decide(demand) // seeds the shortfall timer
	dec := c.Decide(demand)
	require.Len(t, dec.ScaleUps, 1)

	demand[0].CurrentSize = 10
	dec = c.Decide(demand)
	assert.Empty(t, dec.ScaleUps, "cool-down has not elapsed")

	fc.SetTime(fc.Now().Add(31 * time.Second))
	dec = c.Decide(demand)
	assert.NotEmpty(t, dec.ScaleUps)
}

func TestScaleDownRequiresSustainedIdlePastDelay(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	groups := map[string]fleet.InstanceGroup{
		"g": {Id: "g", MinSize: 0, MaxSize: 10, MaxIdleToKeep: 1},
	}
	c := newController(fc, groups, time.Minute, 10*time.Second)
	demand := []GroupDemand{{GroupId: "g", CurrentSize: 5, IdleInstanceIds: []string{"i1", "i2", "i3"}}}

	dec := c.Decide(demand)
	assert.Empty(t, dec.ScaleDowns)

	fc.SetTime(fc.Now().Add(11 * time.Second))
	dec = c.Decide(demand)
	require.Len(t, dec.ScaleDowns, 1)
	assert.Len(t, dec.ScaleDowns[0].InstanceIds, 2, "terminate down to maxIdleToKeep")
}

func TestScaleDownNeverGoesBelowMinIdleToKeepFloor(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	groups := map[string]fleet.InstanceGroup{
		"g": {Id: "g", MinSize: 0, MaxSize: 10, MaxIdleToKeep: 0, MinIdleToKeep: 4},
	}
	c := newController(fc, groups, 0, 0)
	demand := []GroupDemand{{GroupId: "g", CurrentSize: 5, IdleInstanceIds: []string{"i1", "i2", "i3", "i4", "i5"}}}

	c.Decide(demand) // seeds the idle timer
	dec := c.Decide(demand)
	require.Len(t, dec.ScaleDowns, 1)
	assert.Len(t, dec.ScaleDowns[0].InstanceIds, 1, "floor is max(minSize, minIdleToKeep)=4, currentSize=5, so only 1 can go")
}

type constraintFunc func(instanceId string) float64

func (f constraintFunc) Name() string                    { return "fake" }
func (f constraintFunc) Score(instanceId string) float64 { return f(instanceId) }

func TestScaleDownForbidsInstancesBelowHalfCombinedScore(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	groups := map[string]fleet.InstanceGroup{
		"g": {Id: "g", MinSize: 0, MaxSize: 10, MaxIdleToKeep: 0},
	}
	c := newController(fc, groups, 0, 0)
	c.ConstraintEvaluators = []WeightedScaleDownConstraint{
		{Weight: 1, Constraint: constraintFunc(func(id string) float64 {
			if id == "protected" {
				return 0.0
			}
			return 1.0
		})},
	}
	demand := []GroupDemand{{GroupId: "g", CurrentSize: 2, IdleInstanceIds: []string{"protected", "ok"}}}

	c.Decide(demand) // seeds the idle timer
	dec := c.Decide(demand)
	require.Len(t, dec.ScaleDowns, 1)
	assert.Equal(t, []string{"ok"}, dec.ScaleDowns[0].InstanceIds)
}

func TestReenableCallsEnableForEveryInstance(t *testing.T) {
	var enabled []string
	Reenable([]string{"a", "b"}, func(id string) { enabled = append(enabled, id) })
	assert.Equal(t, []string{"a", "b"}, enabled)
}
