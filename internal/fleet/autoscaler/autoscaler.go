// Package autoscaler implements the Autoscaler Controller (C5): per-instance-group scale-up
// and scale-down rules with cool-downs, honoring min/max idle bounds (spec.md §4.5).
package autoscaler

import (
	"math"
	"time"

	"github.com/armada-fleet/corectl/internal/clock"
	"github.com/armada-fleet/corectl/internal/fleet"
)

// GroupDemand summarizes one instance group's placement pressure for a single Decide call.
type GroupDemand struct {
	GroupId           string
	Tier              fleet.Tier
	UnsatisfiedDemand float64 // resource units of unmet task demand, e.g. cpu
	TypicalSlot       float64 // resource units per typical instance slot
	CurrentSize       int
	IdleInstanceIds   []string
}

// ScaleUpAction requests count additional instances be added to GroupId.
type ScaleUpAction struct {
	GroupId string
	Count   int
}

// ScaleDownAction requests the named instances be terminated from GroupId.
type ScaleDownAction struct {
	GroupId     string
	InstanceIds []string
}

// ScaleDownOrderEvaluator orders idle instance ids from most to least preferred for
// termination; the controller filters and truncates the result.
type ScaleDownOrderEvaluator interface {
	Order(instanceIds []string) []string
}

// ScaleDownConstraintEvaluator scores an instance in [0,1] for termination suitability; a
// combined weighted average below 0.5 forbids terminating that instance (spec.md §4.5).
type ScaleDownConstraintEvaluator interface {
	Name() string
	Score(instanceId string) float64
}

type WeightedScaleDownConstraint struct {
	Constraint ScaleDownConstraintEvaluator
	Weight     float64
}

// defaultOrder preserves the order idle instances were reported in, oldest-idle-first.
type defaultOrder struct{}

func (defaultOrder) Order(instanceIds []string) []string {
	out := make([]string, len(instanceIds))
	copy(out, instanceIds)
	return out
}

// Controller implements spec.md §4.5's scale-up/scale-down triggers.
type Controller struct {
	Groups                map[string]fleet.InstanceGroup
	DelayAutoscaleUp      time.Duration
	DelayAutoscaleDown    time.Duration
	OrderEvaluator        ScaleDownOrderEvaluator
	ConstraintEvaluators  []WeightedScaleDownConstraint
	Clock                 clock.Clock

	upShortfallSince map[string]time.Time
	downIdleSince    map[string]time.Time
	lastScaleAction  map[string]time.Time
}

// New constructs a Controller with the given instance groups. OrderEvaluator is set to
// insertion order; callers may replace it after construction.
func New(groups map[string]fleet.InstanceGroup, delayUp, delayDown time.Duration, clk clock.Clock) *Controller {
	return &Controller{
		Groups:             groups,
		DelayAutoscaleUp:   delayUp,
		DelayAutoscaleDown: delayDown,
		OrderEvaluator:     defaultOrder{},
		Clock:              clk,
		upShortfallSince:   map[string]time.Time{},
		downIdleSince:      map[string]time.Time{},
		lastScaleAction:    map[string]time.Time{},
	}
}

// Decision bundles the scale-up and scale-down actions produced by one Decide call.
type Decision struct {
	ScaleUps   []ScaleUpAction
	ScaleDowns []ScaleDownAction
}

// Decide runs the scale-up and scale-down triggers for every group named in demands and
// returns the actions to execute, deferring to the caller's ClusterManager collaborator.
func (c *Controller) Decide(demands []GroupDemand) Decision {
	now := c.Clock.Now()
	var dec Decision
	for _, d := range demands {
		group, ok := c.Groups[d.GroupId]
		if !ok {
			continue
		}
		if action := c.decideScaleUp(now, d, group); action != nil {
			dec.ScaleUps = append(dec.ScaleUps, *action)
		}
		if action := c.decideScaleDown(now, d, group); action != nil {
			dec.ScaleDowns = append(dec.ScaleDowns, *action)
		}
	}
	return dec
}

func (c *Controller) coolDownElapsed(groupId string, now time.Time, coolDown time.Duration) bool {
	last, ok := c.lastScaleAction[groupId]
	return !ok || now.Sub(last) >= coolDown
}

func (c *Controller) decideScaleUp(now time.Time, d GroupDemand, group fleet.InstanceGroup) *ScaleUpAction {
	if d.UnsatisfiedDemand <= 0 {
		delete(c.upShortfallSince, d.GroupId)
		return nil
	}
	since, tracked := c.upShortfallSince[d.GroupId]
	if !tracked {
		c.upShortfallSince[d.GroupId] = now
		return nil
	}
	if now.Sub(since) < c.DelayAutoscaleUp {
		return nil
	}
	if !c.coolDownElapsed(d.GroupId, now, time.Duration(group.CoolDownSec)*time.Second) {
		return nil
	}
	slot := d.TypicalSlot
	if slot <= 0 {
		slot = 1
	}
	target := int(math.Ceil(d.UnsatisfiedDemand/slot) * group.ShortfallAdjustingFactor)
	target += d.CurrentSize
	if target < d.CurrentSize {
		target = d.CurrentSize
	}
	if target > group.MaxSize {
		target = group.MaxSize
	}
	if target <= d.CurrentSize {
		return nil
	}
	c.lastScaleAction[d.GroupId] = now
	delete(c.upShortfallSince, d.GroupId)
	return &ScaleUpAction{GroupId: d.GroupId, Count: target - d.CurrentSize}
}

func (c *Controller) decideScaleDown(now time.Time, d GroupDemand, group fleet.InstanceGroup) *ScaleDownAction {
	idle := len(d.IdleInstanceIds)
	if idle <= group.MaxIdleToKeep {
		delete(c.downIdleSince, d.GroupId)
		return nil
	}
	since, tracked := c.downIdleSince[d.GroupId]
	if !tracked {
		c.downIdleSince[d.GroupId] = now
		return nil
	}
	if now.Sub(since) < c.DelayAutoscaleDown {
		return nil
	}
	if !c.coolDownElapsed(d.GroupId, now, time.Duration(group.CoolDownSec)*time.Second) {
		return nil
	}

	floor := group.MinSize
	if group.MinIdleToKeep > floor {
		floor = group.MinIdleToKeep
	}
	maxTerminate := d.CurrentSize - floor
	if maxTerminate <= 0 {
		return nil
	}
	numToTerminate := idle - group.MaxIdleToKeep
	if numToTerminate > maxTerminate {
		numToTerminate = maxTerminate
	}
	if numToTerminate <= 0 {
		return nil
	}

	ordered := c.OrderEvaluator.Order(d.IdleInstanceIds)
	var candidates []string
	for _, id := range ordered {
		if c.combinedConstraintScore(id) < 0.5 {
			continue
		}
		candidates = append(candidates, id)
		if len(candidates) == numToTerminate {
			break
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	c.lastScaleAction[d.GroupId] = now
	delete(c.downIdleSince, d.GroupId)
	return &ScaleDownAction{GroupId: d.GroupId, InstanceIds: candidates}
}

func (c *Controller) combinedConstraintScore(instanceId string) float64 {
	if len(c.ConstraintEvaluators) == 0 {
		return 1
	}
	var totalWeight, totalScore float64
	for _, wc := range c.ConstraintEvaluators {
		if wc.Weight <= 0 {
			continue
		}
		totalWeight += wc.Weight
		totalScore += wc.Weight * wc.Constraint.Score(instanceId)
	}
	if totalWeight == 0 {
		return 1
	}
	return totalScore / totalWeight
}

// Reenable restores instance ids that the ClusterManager collaborator reported as NOT
// terminated back into consideration, per spec.md §4.5.
func Reenable(notTerminated []string, enable func(instanceId string)) {
	for _, id := range notTerminated {
		enable(id)
	}
}
