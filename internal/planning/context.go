package planning

import (
	"encoding/json"
	"sync"

	"github.com/planline/planline/pkg/schema"
)

// Snapshot slot names. The engine checkpoints the context before a risky
// transition and rolls back on failure.
const (
	SlotCache     = "cache"
	SlotLastStage = "lastStage"
	SlotLastStep  = "lastStep"
)

// ContextStore holds the cross-step reasoning context shared with the
// backend on every call. It is mutated by the action dispatcher; everything
// else reads snapshots.
type ContextStore struct {
	mu        sync.RWMutex
	state     schema.PlanningState
	snapshots map[string]schema.PlanningState
	version   uint64
}

// NewContextStore creates an empty, fully normalized context store.
func NewContextStore() *ContextStore {
	s := &ContextStore{snapshots: make(map[string]schema.PlanningState)}
	s.state.Normalize()
	return s
}

// AddVariable stores a named planning variable.
func (c *ContextStore) AddVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Variables[name] = value
	c.version++
}

// GetVariable returns a planning variable and whether it exists.
func (c *ContextStore) GetVariable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state.Variables[name]
	return v, ok
}

// AddToDoList appends items to the to-do list.
func (c *ContextStore) AddToDoList(items ...schema.ToDoItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ToDoList = append(c.state.ToDoList, items...)
	c.version++
}

// AddChecklistItem appends an item to the current checklist partition.
func (c *ContextStore) AddChecklistItem(item schema.ToDoItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Checklist.Current = append(c.state.Checklist.Current, item)
	c.version++
}

// CompleteChecklistItem moves an item from the current partition to
// completed. Unknown IDs are a no-op.
func (c *ContextStore) CompleteChecklistItem(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, item := range c.state.Checklist.Current {
		if item.ID != id {
			continue
		}
		item.Done = true
		c.state.Checklist.Current = append(c.state.Checklist.Current[:i], c.state.Checklist.Current[i+1:]...)
		c.state.Checklist.Completed = append(c.state.Checklist.Completed, item)
		c.version++
		return
	}
}

// AddEffect appends to the current effect log. History is never mutated
// directly; RotateEffects moves current entries there.
func (c *ContextStore) AddEffect(e schema.Effect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Effect.Current = append(c.state.Effect.Current, e)
	c.version++
}

// LastEffect returns the most recent current effect, or false when none exist.
func (c *ContextStore) LastEffect() (schema.Effect, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n := len(c.state.Effect.Current); n > 0 {
		return c.state.Effect.Current[n-1], true
	}
	return schema.Effect{}, false
}

// RotateEffects moves all current effects into history. Called when a step
// completes so the next step starts with an empty current log.
func (c *ContextStore) RotateEffects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Effect.History = append(c.state.Effect.History, c.state.Effect.Current...)
	c.state.Effect.Current = []schema.Effect{}
	c.version++
}

// AddThinking appends a reasoning trace entry.
func (c *ContextStore) AddThinking(entry schema.ThinkingEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Thinking = append(c.state.Thinking, entry)
	c.version++
}

// MarkStageAsComplete records stage completion in the shared context.
func (c *ContextStore) MarkStageAsComplete(stageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.StageStatus[stageID] = true
	c.version++
}

// IsStageComplete reports whether the context marks the stage complete.
func (c *ContextStore) IsStageComplete(stageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.StageStatus[stageID]
}

// Snapshot returns a deep copy of the current state, safe to serialize into
// a request after the store keeps mutating.
func (c *ContextStore) Snapshot() *schema.PlanningState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := deepCopy(c.state)
	return &cp
}

// Version returns a counter incremented on every mutation. Callers detect
// change by comparing versions instead of comparing serialized states.
func (c *ContextStore) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Save stores a deep copy of the current state under the named slot.
func (c *ContextStore) Save(slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[slot] = deepCopy(c.state)
}

// Restore replaces the current state with the named slot's snapshot.
// Returns false when the slot is empty.
func (c *ContextStore) Restore(slot string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[slot]
	if !ok {
		return false
	}
	c.state = deepCopy(snap)
	c.state.Normalize()
	c.version++
	return true
}

// Replace installs a backend-provided state wholesale (action.state).
func (c *ContextStore) Replace(s *schema.PlanningState) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = deepCopy(*s)
	c.state.Normalize()
	c.version++
}

// Reset clears every field to its empty form. Called whenever a workflow is
// replaced wholesale.
func (c *ContextStore) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = schema.PlanningState{}
	c.state.Normalize()
	c.version++
}

// deepCopy clones a PlanningState through JSON round-tripping. Values inside
// Variables/Effect outputs are arbitrary JSON, so structural copy is the only
// safe general clone.
func deepCopy(s schema.PlanningState) schema.PlanningState {
	b, err := json.Marshal(s)
	if err != nil {
		var out schema.PlanningState
		out.Normalize()
		return out
	}
	var out schema.PlanningState
	if err := json.Unmarshal(b, &out); err != nil {
		out = schema.PlanningState{}
	}
	out.Normalize()
	return out
}
