package schema

// PlanningState is the shared reasoning context serialized into every backend
// request. It is mutated only by the action dispatcher and read-only
// elsewhere, except for explicit reset and snapshot/restore operations.
//
// Invariant: no field is ever partially undefined when serialized. Absent
// collections default to empty, never null. Normalize enforces this.
type PlanningState struct {
	Variables   map[string]any  `json:"variables"`
	ToDoList    []ToDoItem      `json:"todo_list"`
	Checklist   Checklist       `json:"checklist"`
	Effect      EffectLog       `json:"effect"`
	StageStatus map[string]bool `json:"stage_status"`
	Thinking    []ThinkingEntry `json:"thinking"`
}

// ToDoItem is one pending analysis task tracked across steps.
type ToDoItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done,omitempty"`
}

// Checklist partitions items into current and completed.
type Checklist struct {
	Current   []ToDoItem `json:"current"`
	Completed []ToDoItem `json:"completed"`
}

// Effect is one recorded side effect of an executed action, typically a code
// execution outcome fed back to the backend for subsequent planning.
type Effect struct {
	UnitID  string `json:"unit_id,omitempty"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EffectLog holds effects recorded during the active step (Current) and the
// accumulated history of prior steps.
type EffectLog struct {
	Current []Effect `json:"current"`
	History []Effect `json:"history"`
}

// ThinkingEntry is one backend reasoning trace line kept for audit.
type ThinkingEntry struct {
	StepID string `json:"step_id,omitempty"`
	Text   string `json:"text"`
}

// Normalize replaces nil collections with their empty forms so the state
// always serializes fully populated.
func (s *PlanningState) Normalize() {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	if s.ToDoList == nil {
		s.ToDoList = []ToDoItem{}
	}
	if s.Checklist.Current == nil {
		s.Checklist.Current = []ToDoItem{}
	}
	if s.Checklist.Completed == nil {
		s.Checklist.Completed = []ToDoItem{}
	}
	if s.Effect.Current == nil {
		s.Effect.Current = []Effect{}
	}
	if s.Effect.History == nil {
		s.Effect.History = []Effect{}
	}
	if s.StageStatus == nil {
		s.StageStatus = map[string]bool{}
	}
	if s.Thinking == nil {
		s.Thinking = []ThinkingEntry{}
	}
}
