// Package constraints implements the Constraint & Fitness Evaluator (C3): pluggable hard
// constraints (binary admit/reject) and soft scorers (fitness in [0,1]) composed per task,
// with a fleet-global constraint of each kind always applied first (spec.md §4.3).
package constraints

import (
	"hash/fnv"
	"sort"

	"github.com/armada-fleet/corectl/internal/fleet"
)

// AgentView is what a constraint sees about a candidate agent during matching: the agent
// itself plus the working copy of its remaining resources for this iteration and the id of
// the offer being evaluated against.
type AgentView struct {
	Agent     fleet.Agent
	Remaining fleet.ResourceRequest
	OfferId   string
}

// EvalContext carries per-iteration state constraints may need, notably how many tasks have
// already been assigned to each agent this iteration (used by the tie-break rule).
type EvalContext struct {
	AssignedThisIteration map[string]int
}

// HardConstraint admits or rejects a (task, agent) pairing outright.
type HardConstraint interface {
	Name() string
	Evaluate(task *fleet.Task, agent AgentView, ctx EvalContext) (ok bool, reason string)
	// Prepare is called once per iteration before any Evaluate calls, mirroring the
	// PreHook step of spec.md §4.4 for constraints that cache per-iteration state.
	Prepare()
}

// SoftConstraint scores a (task, agent) pairing in [0,1]; higher is better.
type SoftConstraint interface {
	Name() string
	Score(task *fleet.Task, agent AgentView, ctx EvalContext) float64
}

// WeightedSoftConstraint pairs a SoftConstraint with its weight (>= 0) in the weighted sum.
type WeightedSoftConstraint struct {
	Constraint SoftConstraint
	Weight     float64
}

// Evaluator composes a fleet-global hard/soft constraint with per-task named constraints
// looked up from a registry, per spec.md §4.3.
type Evaluator struct {
	GlobalHard        HardConstraint
	GlobalSoft        WeightedSoftConstraint
	HardRegistry      map[string]HardConstraint
	SoftRegistry      map[string]WeightedSoftConstraint
	FitnessGoodEnough float64
}

// Prepare runs the PreHook step for every registered hard constraint.
func (e *Evaluator) Prepare() {
	if e.GlobalHard != nil {
		e.GlobalHard.Prepare()
	}
	for _, c := range e.HardRegistry {
		c.Prepare()
	}
}

// Admit reports whether task may run on agent, applying the global hard constraint AND every
// hard constraint named on the task.
func (e *Evaluator) Admit(task *fleet.Task, agent AgentView, ctx EvalContext) (bool, string) {
	if e.GlobalHard != nil {
		if ok, reason := e.GlobalHard.Evaluate(task, agent, ctx); !ok {
			return false, reason
		}
	}
	for _, name := range task.HardConstraintName {
		c, ok := e.HardRegistry[name]
		if !ok {
			continue
		}
		if ok, reason := c.Evaluate(task, agent, ctx); !ok {
			return false, reason
		}
	}
	if !agent.Remaining.Fits(task.Request) {
		return false, "insufficient resources"
	}
	return true, ""
}

// Score computes the normalized weighted-sum fitness of task on agent, combining the global
// soft constraint with every soft constraint named on the task.
func (e *Evaluator) Score(task *fleet.Task, agent AgentView, ctx EvalContext) float64 {
	var totalWeight, totalScore float64
	if e.GlobalSoft.Constraint != nil && e.GlobalSoft.Weight > 0 {
		totalWeight += e.GlobalSoft.Weight
		totalScore += e.GlobalSoft.Weight * e.GlobalSoft.Constraint.Score(task, agent, ctx)
	}
	for _, name := range task.SoftConstraintName {
		wc, ok := e.SoftRegistry[name]
		if !ok || wc.Weight <= 0 {
			continue
		}
		totalWeight += wc.Weight
		totalScore += wc.Weight * wc.Constraint.Score(task, agent, ctx)
	}
	if totalWeight == 0 {
		return 0
	}
	return totalScore / totalWeight
}

// Candidate is an admissible (agent, score) pairing produced while matching one task.
type Candidate struct {
	Agent AgentView
	Score float64
}

// Best selects the winning candidate using the tie-break order of spec.md §4.3:
// (1) fewer currently assigned tasks this iteration, (2) larger remaining CPU,
// (3) stable hash of (agentId, taskId). Evaluation of further candidates is skipped once one
// candidate has already cleared FitnessGoodEnough, matching the early-exit semantics of
// spec.md §4.3; callers achieve that by stopping the candidate scan themselves and calling
// Best with whatever has accumulated so far.
func (e *Evaluator) Best(taskId string, candidates []Candidate, ctx EvalContext) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ai := ctx.AssignedThisIteration[a.Agent.Agent.Id]
		bi := ctx.AssignedThisIteration[b.Agent.Agent.Id]
		if ai != bi {
			return ai < bi
		}
		if a.Agent.Remaining.CPU != b.Agent.Remaining.CPU {
			return a.Agent.Remaining.CPU > b.Agent.Remaining.CPU
		}
		return stableHash(a.Agent.Agent.Id, taskId) < stableHash(b.Agent.Agent.Id, taskId)
	})
	return candidates[0], true
}

// ShouldStopEarly reports whether a candidate has already cleared the good-enough threshold,
// short-circuiting evaluation of further agents (spec.md §4.3).
func (e *Evaluator) ShouldStopEarly(score float64) bool {
	return score >= e.FitnessGoodEnough
}

func stableHash(agentId, taskId string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(agentId))
	h.Write([]byte{0})
	h.Write([]byte(taskId))
	return h.Sum64()
}
