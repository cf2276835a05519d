package schema

// Action verbs emitted by the backend planning protocol.
const (
	ActionAdd              = "add"
	ActionNewChapter       = "new_chapter"
	ActionNewSection       = "new_section"
	ActionAppendText       = "append_text"
	ActionAppendCode       = "append_code"
	ActionThinkingStart    = "thinking_start"
	ActionThinkingStop     = "thinking_stop"
	ActionRemove           = "remove"
	ActionExec             = "exec"
	ActionUpdateTitle      = "update_title"
	ActionSetVariable      = "set_variable"
	ActionCompleteStep     = "set_completed_step"
	ActionCompleteStage    = "set_completed_stage"
	ActionUpdateWorkflow   = "update_workflow"
	ActionUpdateStageSteps = "update_stage_steps"
)

// StreamMessage is one newline-delimited JSON object of a step's streaming
// response.
type StreamMessage struct {
	Action *Action      `json:"action,omitempty"`
	Error  *RemoteError `json:"error,omitempty"`
}

// RemoteError is an error object embedded in a protocol line.
type RemoteError struct {
	Message string `json:"message"`
}

// Action is one backend-emitted instruction, dispatched to a local mutation.
// Verb-specific payload fields are flattened into the same object.
type Action struct {
	Action string `json:"action"`

	// Content payload.
	UnitID   string          `json:"unit_id,omitempty"`
	Content  string          `json:"content,omitempty"`
	Language string          `json:"language,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Title    string          `json:"title,omitempty"`

	// Completion payload.
	StepID  string `json:"step_id,omitempty"`
	StageID string `json:"stage_id,omitempty"`

	// set_variable payload: Query is an optional jq expression applied to the
	// most recent execution effect; when absent Value is stored directly.
	Name  string `json:"name,omitempty"`
	Value any    `json:"value,omitempty"`
	Query string `json:"query,omitempty"`

	// Auto-debug control for exec.
	AutoDebug bool `json:"auto_debug,omitempty"`

	// Context replacement: when present, the planning context is replaced
	// wholesale before the verb (if any) is applied.
	State *PlanningState `json:"state,omitempty"`

	// Workflow replacement payloads. Never applied immediately; staged
	// pending user confirmation.
	UpdatedWorkflow *WorkflowTemplate `json:"updated_workflow,omitempty"`
	UpdatedSteps    []Step            `json:"updated_steps,omitempty"`
	NextStepID      string            `json:"next_step_id,omitempty"`
}

// StepRequest is the body of the streaming sequence call.
type StepRequest struct {
	StageID   string         `json:"stage_id"`
	StepIndex string         `json:"step_index"`
	State     *PlanningState `json:"state"`
	Stream    bool           `json:"stream"`
}

// FeedbackRequest is the body of the feedback call issued after queue drain.
type FeedbackRequest struct {
	StageID   string         `json:"stage_id"`
	StepIndex string         `json:"step_index"`
	State     *PlanningState `json:"state"`
}

// FeedbackResponse is the backend's verdict on whether the step's goal was
// met; false triggers a retry of the same step.
type FeedbackResponse struct {
	TargetAchieved bool   `json:"target_achieved"`
	Reason         string `json:"reason,omitempty"`
}
