// Package reconciler implements the Reconciliation Engine (C6) and Reconciliation Framework
// (C7): the three-model (Reference/Running/Store) convergence loop that drives one job's tasks
// toward their desired state (spec.md §4.6, §4.7).
package reconciler

// EntityHolder is a node in one of the three model trees an Engine maintains. Root holders map
// 1:1 to a job; their children map 1:1 to that job's tasks (spec.md §3).
type EntityHolder struct {
	Id       string
	Entity   interface{}
	Children map[string]*EntityHolder
	Tags     map[string]interface{}
}

// NewHolder constructs a holder with no children and no tags.
func NewHolder(id string, entity interface{}) *EntityHolder {
	return &EntityHolder{Id: id, Entity: entity, Children: map[string]*EntityHolder{}, Tags: map[string]interface{}{}}
}

// Child looks up a direct child by id.
func (h *EntityHolder) Child(id string) (*EntityHolder, bool) {
	c, ok := h.Children[id]
	return c, ok
}

// Clone produces a deep copy, used to give a diff function a stable snapshot to read while the
// engine's own tree keeps mutating.
func (h *EntityHolder) Clone() *EntityHolder {
	if h == nil {
		return nil
	}
	out := &EntityHolder{
		Id:       h.Id,
		Entity:   h.Entity,
		Children: make(map[string]*EntityHolder, len(h.Children)),
		Tags:     make(map[string]interface{}, len(h.Tags)),
	}
	for id, c := range h.Children {
		out.Children[id] = c.Clone()
	}
	for k, v := range h.Tags {
		out.Tags[k] = v
	}
	return out
}
