package reconciler

import "fmt"

// Model names one of the three trees an Engine maintains (spec.md §3).
type Model int

const (
	ModelReference Model = iota
	ModelRunning
	ModelStore
)

func (m Model) String() string {
	switch m {
	case ModelReference:
		return "Reference"
	case ModelRunning:
		return "Running"
	case ModelStore:
		return "Store"
	default:
		return "Unknown"
	}
}

// Op is the kind of delta a ModelUpdateAction applies.
type Op int

const (
	OpAdd Op = iota
	OpRemove
	OpUpdate
	OpTag
)

// ModelUpdateAction is a single typed delta applied atomically to one of the three models
// (spec.md §4 design notes: "tagged-variant ModelUpdateAction records {targetModel, op, path,
// payload} interpreted by a pure apply function"). TaskId is empty when the action targets the
// root holder itself; otherwise it names the child the action applies to.
type ModelUpdateAction struct {
	TargetModel Model
	Op          Op
	TaskId      string
	Payload     interface{}
	TagKey      string
}

// Apply interprets action against root, mutating it in place, and returns the ModelUpdateAction
// that would undo the change (spec.md §4.6 "the Reference update is rolled back by issuing a
// compensating update"). Applying the same action twice is a no-op the second time, satisfying
// the idempotence property spec.md §4 requires of model updates.
func Apply(root *EntityHolder, action ModelUpdateAction) (ModelUpdateAction, error) {
	if action.TaskId == "" {
		return applyToRoot(root, action)
	}
	return applyToChild(root, action)
}

func applyToRoot(root *EntityHolder, action ModelUpdateAction) (ModelUpdateAction, error) {
	switch action.Op {
	case OpUpdate:
		prior := root.Entity
		root.Entity = action.Payload
		return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpUpdate, Payload: prior}, nil
	case OpTag:
		prior, had := root.Tags[action.TagKey]
		root.Tags[action.TagKey] = action.Payload
		if !had {
			return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpTag, TagKey: action.TagKey, Payload: nil}, nil
		}
		return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpTag, TagKey: action.TagKey, Payload: prior}, nil
	default:
		return ModelUpdateAction{}, fmt.Errorf("reconciler: op %d not valid against a root holder", action.Op)
	}
}

func applyToChild(root *EntityHolder, action ModelUpdateAction) (ModelUpdateAction, error) {
	switch action.Op {
	case OpAdd, OpUpdate:
		existing, had := root.Children[action.TaskId]
		child := NewHolder(action.TaskId, action.Payload)
		root.Children[action.TaskId] = child
		if !had {
			return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpRemove, TaskId: action.TaskId}, nil
		}
		return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpUpdate, TaskId: action.TaskId, Payload: existing.Entity}, nil
	case OpRemove:
		existing, had := root.Children[action.TaskId]
		delete(root.Children, action.TaskId)
		if !had {
			// idempotent: removing an already-absent child compensates to another no-op remove.
			return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpRemove, TaskId: action.TaskId}, nil
		}
		return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpAdd, TaskId: action.TaskId, Payload: existing.Entity}, nil
	case OpTag:
		child, ok := root.Children[action.TaskId]
		if !ok {
			return ModelUpdateAction{}, fmt.Errorf("reconciler: tag on unknown child %s", action.TaskId)
		}
		prior, had := child.Tags[action.TagKey]
		child.Tags[action.TagKey] = action.Payload
		if !had {
			return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpTag, TaskId: action.TaskId, TagKey: action.TagKey, Payload: nil}, nil
		}
		return ModelUpdateAction{TargetModel: action.TargetModel, Op: OpTag, TaskId: action.TaskId, TagKey: action.TagKey, Payload: prior}, nil
	default:
		return ModelUpdateAction{}, fmt.Errorf("reconciler: unknown op %d", action.Op)
	}
}
