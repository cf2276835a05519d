package schema

// WorkflowTemplate is the JSON-serializable analysis plan. The backend
// provides it on plan initialization and may replace it wholesale (or patch a
// single stage's step list) mid-run via protocol actions.
type WorkflowTemplate struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Stages []Stage `json:"stages"`
}

// Stage is an ordered group of steps representing one phase of the plan.
type Stage struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
}

// Step is the smallest executable unit; it drives one streaming
// request/feedback cycle.
//
// StepID is the stable key used in protocol messages. ID may differ and is
// used for UI indexing; both must resolve to the same ordered position.
// Condition is an optional CEL expression over the planning context; when it
// evaluates to false the step is skipped without a backend request.
type Step struct {
	ID        string `json:"id"`
	StepID    string `json:"step_id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// ExecutionPosition locates the active step within the current template.
// It is owned exclusively by the workflow state store.
type ExecutionPosition struct {
	CurrentStageID   string `json:"current_stage_id"`
	CurrentStepID    string `json:"current_step_id"`
	CurrentStepIndex int    `json:"current_step_index"`
}

// StepResult is the per-step outcome record, written once on completion and
// readable by later steps for audit.
type StepResult struct {
	StepID     string `json:"step_id"`
	StageID    string `json:"stage_id"`
	Summary    string `json:"summary,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// StageResult is the per-stage summary record.
type StageResult struct {
	StageID string `json:"stage_id"`
	Summary string `json:"summary,omitempty"`
}

// StageAt returns the stage with the given ID and its index, or nil and -1.
func (t *WorkflowTemplate) StageAt(stageID string) (*Stage, int) {
	if t == nil {
		return nil, -1
	}
	for i := range t.Stages {
		if t.Stages[i].ID == stageID {
			return &t.Stages[i], i
		}
	}
	return nil, -1
}

// StepIndex resolves a step within the stage by either its stable protocol
// key (step_id) or its UI id; both address the same ordered position.
func (s *Stage) StepIndex(id string) int {
	if s == nil {
		return -1
	}
	for i := range s.Steps {
		if s.Steps[i].StepID == id || s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}
