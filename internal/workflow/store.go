package workflow

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/planline/planline/pkg/schema"
)

// InitRequest carries the initial plan. An empty template ID is assigned one.
type InitRequest struct {
	Template *schema.WorkflowTemplate
}

// Store owns the stage/step graph, the execution position, the completion
// sets, and the per-step/stage result records. The position is mutated only
// by the transition operations here, never by the dispatcher directly.
type Store struct {
	mu sync.RWMutex

	template        *schema.WorkflowTemplate
	templateVersion uint64

	pos             schema.ExecutionPosition
	completedSteps  map[string]struct{}
	completedStages map[string]struct{}
	stepResults     map[string]schema.StepResult
	stageResults    map[string]schema.StageResult

	// animating is a transient flag consumed by UI collaborators during
	// stage transitions. It never blocks logic.
	animating bool

	log *slog.Logger
}

// NewStore creates an empty workflow state store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		completedSteps:  make(map[string]struct{}),
		completedStages: make(map[string]struct{}),
		stepResults:     make(map[string]schema.StepResult),
		stageResults:    make(map[string]schema.StageResult),
		log:             log,
	}
}

// InitializeWorkflow installs the initial plan and resets all position and
// completion state. Returns the installed template.
func (s *Store) InitializeWorkflow(req InitRequest) (*schema.WorkflowTemplate, error) {
	if req.Template == nil || len(req.Template.Stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow template has no stages")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tpl := *req.Template
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	s.template = &tpl
	s.templateVersion++
	s.resetProgressLocked()
	return s.template, nil
}

// resetProgressLocked clears position, completion sets, and result records.
func (s *Store) resetProgressLocked() {
	s.completedSteps = make(map[string]struct{})
	s.completedStages = make(map[string]struct{})
	s.stepResults = make(map[string]schema.StepResult)
	s.stageResults = make(map[string]schema.StageResult)
	s.pos = schema.ExecutionPosition{}
	if s.template != nil && len(s.template.Stages) > 0 {
		first := s.template.Stages[0]
		s.pos.CurrentStageID = first.ID
		if len(first.Steps) > 0 {
			s.pos.CurrentStepID = first.Steps[0].StepID
			s.pos.CurrentStepIndex = 0
		}
	}
}

// Template returns the current template, or nil before initialization.
func (s *Store) Template() *schema.WorkflowTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.template
}

// TemplateVersion increments on every replacement or patch. Auto-advance
// eligibility is recomputed against the live version, never cached across it.
func (s *Store) TemplateVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templateVersion
}

// Position returns the current execution position.
func (s *Store) Position() schema.ExecutionPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos
}

// SetStage moves the position to the given stage's first step. Transitioning
// to an unknown stage is a no-op with a logged warning: the source plan may
// be mid-replacement.
func (s *Store) SetStage(stageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStageLocked(stageID)
}

func (s *Store) setStageLocked(stageID string) {
	stage, _ := s.template.StageAt(stageID)
	if stage == nil {
		s.log.Warn("ignoring transition to unknown stage", "stage_id", stageID)
		return
	}
	s.animating = true
	s.pos.CurrentStageID = stageID
	s.pos.CurrentStepIndex = 0
	s.pos.CurrentStepID = ""
	if len(stage.Steps) > 0 {
		s.pos.CurrentStepID = stage.Steps[0].StepID
	}
}

// NextStage advances to the stage following the current one, if any.
func (s *Store) NextStage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, idx := s.template.StageAt(s.pos.CurrentStageID)
	if idx < 0 || idx+1 >= len(s.template.Stages) {
		s.log.Warn("no next stage", "stage_id", s.pos.CurrentStageID)
		return
	}
	s.setStageLocked(s.template.Stages[idx+1].ID)
}

// PrevStage moves back to the preceding stage, if any.
func (s *Store) PrevStage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, idx := s.template.StageAt(s.pos.CurrentStageID)
	if idx <= 0 {
		s.log.Warn("no previous stage", "stage_id", s.pos.CurrentStageID)
		return
	}
	s.setStageLocked(s.template.Stages[idx-1].ID)
}

// SetStep moves the position to the step at index within the current stage.
// Out-of-range indexes are a no-op with a logged warning.
func (s *Store) SetStep(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, _ := s.template.StageAt(s.pos.CurrentStageID)
	if stage == nil || index < 0 || index >= len(stage.Steps) {
		s.log.Warn("ignoring transition to unknown step", "step_index", index, "stage_id", s.pos.CurrentStageID)
		return
	}
	s.pos.CurrentStepIndex = index
	s.pos.CurrentStepID = stage.Steps[index].StepID
}

// SetStepID moves the position to the step with the given id or step_id in
// the current stage.
func (s *Store) SetStepID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, _ := s.template.StageAt(s.pos.CurrentStageID)
	idx := stage.StepIndex(id)
	if idx < 0 {
		s.log.Warn("ignoring transition to unknown step", "step_id", id, "stage_id", s.pos.CurrentStageID)
		return
	}
	s.pos.CurrentStepIndex = idx
	s.pos.CurrentStepID = stage.Steps[idx].StepID
}

// Animating reports and clears the transient stage-transition flag.
func (s *Store) Animating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.animating
	s.animating = false
	return a
}

// SetTitle updates the template name.
func (s *Store) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.template == nil {
		return
	}
	s.template.Name = title
}

// MarkStepCompleted records step completion. Idempotent; the result record
// is written once.
func (s *Store) MarkStepCompleted(stepID string, result schema.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.completedSteps[stepID]; done {
		return
	}
	s.completedSteps[stepID] = struct{}{}
	result.StepID = stepID
	s.stepResults[stepID] = result
}

// MarkStageCompleted records stage completion. Idempotent.
func (s *Store) MarkStageCompleted(stageID string, result schema.StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.completedStages[stageID]; done {
		return
	}
	s.completedStages[stageID] = struct{}{}
	result.StageID = stageID
	s.stageResults[stageID] = result
}

// IsStepCompleted reports membership in the step completion set.
func (s *Store) IsStepCompleted(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completedSteps[stepID]
	return ok
}

// IsStageCompleted reports membership in the stage completion set.
func (s *Store) IsStageCompleted(stageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completedStages[stageID]
	return ok
}

// CompletedCounts returns the sizes of the completion sets.
func (s *Store) CompletedCounts() (steps, stages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.completedSteps), len(s.completedStages)
}

// StepResultFor returns the recorded result for a completed step.
func (s *Store) StepResultFor(stepID string) (schema.StepResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.stepResults[stepID]
	return r, ok
}

// StageResultFor returns the recorded summary for a completed stage.
func (s *Store) StageResultFor(stageID string) (schema.StageResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.stageResults[stageID]
	return r, ok
}

// CurrentStageConfig returns the stage at the current position, or nil when
// the template and position are inconsistent. Callers must treat nil as
// "not ready", not as an error.
func (s *Store) CurrentStageConfig() *schema.Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stage, _ := s.template.StageAt(s.pos.CurrentStageID)
	return stage
}

// CurrentStep returns the step at the current position, or nil.
func (s *Store) CurrentStep() *schema.Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stage, _ := s.template.StageAt(s.pos.CurrentStageID)
	if stage == nil || s.pos.CurrentStepIndex < 0 || s.pos.CurrentStepIndex >= len(stage.Steps) {
		return nil
	}
	return &stage.Steps[s.pos.CurrentStepIndex]
}

// CanAutoAdvanceStep reports whether the current step is completed and a next
// step exists in the current template. Recomputed on every call so template
// replacement is always reflected.
func (s *Store) CanAutoAdvanceStep() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stage, _ := s.template.StageAt(s.pos.CurrentStageID)
	if stage == nil {
		return false
	}
	if _, done := s.completedSteps[s.pos.CurrentStepID]; !done {
		return false
	}
	return s.pos.CurrentStepIndex+1 < len(stage.Steps)
}

// CanAutoAdvanceStage reports whether the current stage is completed and a
// next stage exists in the current template.
func (s *Store) CanAutoAdvanceStage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, idx := s.template.StageAt(s.pos.CurrentStageID)
	if idx < 0 {
		return false
	}
	if _, done := s.completedStages[s.pos.CurrentStageID]; !done {
		return false
	}
	return idx+1 < len(s.template.Stages)
}

// ReplaceTemplate swaps the whole plan, resets the position to the new first
// stage/step, and clears the completion sets. Used by the accepted
// update_workflow flow.
func (s *Store) ReplaceTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil || len(tpl.Stages) == 0 {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "replacement template has no stages")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tpl
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.template = &cp
	s.templateVersion++
	s.resetProgressLocked()
	return nil
}

// PatchStageSteps replaces a single stage's step list. When the patched stage
// is the current one and nextStepID is provided, the position moves there;
// otherwise it is clamped to the new list. Patching a different stage leaves
// the position untouched. Completion sets are preserved.
func (s *Store) PatchStageSteps(stageID string, steps []schema.Step, nextStepID string) error {
	if len(steps) == 0 {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "patched step list is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, _ := s.template.StageAt(stageID)
	if stage == nil {
		s.log.Warn("ignoring step patch for unknown stage", "stage_id", stageID)
		return nil
	}
	stage.Steps = steps
	s.templateVersion++

	if stageID != s.pos.CurrentStageID {
		return nil
	}
	if nextStepID != "" {
		if idx := stage.StepIndex(nextStepID); idx >= 0 {
			s.pos.CurrentStepIndex = idx
			s.pos.CurrentStepID = stage.Steps[idx].StepID
			return nil
		}
		s.log.Warn("next_step_id not found in patched steps", "step_id", nextStepID)
	}
	if s.pos.CurrentStepIndex >= len(stage.Steps) {
		s.pos.CurrentStepIndex = len(stage.Steps) - 1
	}
	s.pos.CurrentStepID = stage.Steps[s.pos.CurrentStepIndex].StepID
	return nil
}
