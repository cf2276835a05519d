package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/planline/planline/internal/expressions"
	"github.com/planline/planline/internal/logging"
	"github.com/planline/planline/internal/notebook"
	"github.com/planline/planline/internal/planning"
	"github.com/planline/planline/internal/streaming"
	"github.com/planline/planline/internal/validation"
	"github.com/planline/planline/internal/workflow"
	"github.com/planline/planline/pkg/schema"
)

// Handler applies one action verb to local state.
type Handler func(ctx context.Context, action *schema.Action) error

// PendingUpdate is a staged workflow mutation awaiting user confirmation.
// Nothing is applied until Confirm(true); rejection discards it entirely.
type PendingUpdate struct {
	Template   *schema.WorkflowTemplate // wholesale replacement, nil for patches
	StageID    string                   // stage patch target
	Steps      []schema.Step            // stage patch payload
	NextStepID string                   // position hint after a patch
}

// IsReplace reports whether the pending update replaces the whole plan.
func (p *PendingUpdate) IsReplace() bool { return p.Template != nil }

// ConfirmHandler surfaces a staged workflow update to the user. UIs render a
// diff and later call Dispatcher.Confirm with the verdict.
type ConfirmHandler interface {
	PresentWorkflowUpdate(ctx context.Context, update PendingUpdate)
}

// Dispatcher routes backend-emitted actions to local mutations through a verb
// table. It owns the pending-update slot and the auto-advance suspension that
// goes with it.
type Dispatcher struct {
	workflow  *workflow.Store
	planning  *planning.ContextStore
	content   notebook.ContentStore
	runner    notebook.CodeRunner
	validator *validation.TemplateValidator
	jq        *expressions.GoJQEngine
	interp    *expressions.Interpolator
	hub       streaming.EventHub
	confirm   ConfirmHandler
	log       *slog.Logger

	mu       sync.Mutex
	pending  *PendingUpdate
	resume   func(ctx context.Context, applied bool)
	handlers map[string]Handler
}

// Config wires the dispatcher's collaborators. Confirm may be nil; pending
// updates are then surfaced through the event hub only.
type Config struct {
	Workflow  *workflow.Store
	Planning  *planning.ContextStore
	Content   notebook.ContentStore
	Runner    notebook.CodeRunner
	Validator *validation.TemplateValidator
	JQ        *expressions.GoJQEngine
	Hub       streaming.EventHub
	Confirm   ConfirmHandler
	Logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher and registers the built-in verb table.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		workflow:  cfg.Workflow,
		planning:  cfg.Planning,
		content:   cfg.Content,
		runner:    cfg.Runner,
		validator: cfg.Validator,
		jq:        cfg.JQ,
		interp:    expressions.NewInterpolator(),
		hub:       cfg.Hub,
		confirm:   cfg.Confirm,
		log:       cfg.Logger,
	}
	d.handlers = map[string]Handler{
		schema.ActionAdd:              d.handleAdd,
		schema.ActionNewChapter:       d.handleNewChapter,
		schema.ActionNewSection:       d.handleNewSection,
		schema.ActionAppendText:       d.handleAppend,
		schema.ActionAppendCode:       d.handleAppend,
		schema.ActionThinkingStart:    d.handleThinking,
		schema.ActionThinkingStop:     d.handleThinking,
		schema.ActionRemove:           d.handleRemove,
		schema.ActionExec:             d.handleExec,
		schema.ActionUpdateTitle:      d.handleUpdateTitle,
		schema.ActionSetVariable:      d.handleSetVariable,
		schema.ActionCompleteStep:     d.handleCompleteStep,
		schema.ActionCompleteStage:    d.handleCompleteStage,
		schema.ActionUpdateWorkflow:   d.handleUpdateWorkflow,
		schema.ActionUpdateStageSteps: d.handleUpdateStageSteps,
	}
	return d
}

// Dispatch applies one action. A state payload replaces the planning context
// before the verb handler runs. Unknown verbs are logged and skipped so newer
// backends stay compatible with older engines.
func (d *Dispatcher) Dispatch(ctx context.Context, action *schema.Action) error {
	if action == nil {
		return nil
	}

	if action.State != nil {
		d.planning.Replace(action.State)
	}
	if action.Action == "" {
		return nil
	}

	handler, ok := d.handlers[action.Action]
	if !ok {
		d.log.WarnContext(ctx, "skipping unknown action verb", "action", action.Action)
		return nil
	}

	if err := d.interpolate(action); err != nil {
		return err
	}
	return handler(ctx, action)
}

// interpolate resolves ${{...}} references in the textual payload fields.
func (d *Dispatcher) interpolate(action *schema.Action) error {
	scope := d.buildScope()
	var err error
	if expressions.HasInterpolation(action.Content) {
		if action.Content, err = d.interp.Resolve(action.Content, scope); err != nil {
			return err
		}
	}
	if expressions.HasInterpolation(action.Title) {
		if action.Title, err = d.interp.Resolve(action.Title, scope); err != nil {
			return err
		}
	}
	return nil
}

// buildScope assembles the interpolation namespaces from the planning context,
// the recorded step results, and the plan position.
func (d *Dispatcher) buildScope() *expressions.Scope {
	state := d.planning.Snapshot()
	pos := d.workflow.Position()

	results := map[string]any{}
	if tpl := d.workflow.Template(); tpl != nil {
		for _, stage := range tpl.Stages {
			for _, step := range stage.Steps {
				if r, ok := d.workflow.StepResultFor(step.StepID); ok {
					results[step.StepID] = map[string]any{
						"summary":     r.Summary,
						"attempts":    r.Attempts,
						"duration_ms": r.DurationMs,
					}
				}
			}
		}
	}

	wf := map[string]any{
		"stage_id":   pos.CurrentStageID,
		"step_id":    pos.CurrentStepID,
		"step_index": pos.CurrentStepIndex,
	}
	if tpl := d.workflow.Template(); tpl != nil {
		wf["plan_id"] = tpl.ID
		wf["name"] = tpl.Name
	}

	return &expressions.Scope{
		Variables: state.Variables,
		Results:   results,
		Workflow:  wf,
	}
}

// --- content verbs ---

func (d *Dispatcher) handleAdd(ctx context.Context, a *schema.Action) error {
	kind := notebook.UnitText
	if a.Language != "" {
		kind = notebook.UnitCode
	}
	return d.createUnit(ctx, a, kind)
}

func (d *Dispatcher) handleNewChapter(ctx context.Context, a *schema.Action) error {
	return d.createUnit(ctx, a, notebook.UnitChapter)
}

func (d *Dispatcher) handleNewSection(ctx context.Context, a *schema.Action) error {
	return d.createUnit(ctx, a, notebook.UnitSection)
}

func (d *Dispatcher) createUnit(ctx context.Context, a *schema.Action, kind string) error {
	content := a.Content
	if content == "" && a.Title != "" {
		content = a.Title
	}
	_, err := d.content.CreateUnit(ctx, notebook.Unit{
		ID:       a.UnitID,
		Kind:     kind,
		Content:  content,
		Language: a.Language,
		Metadata: a.Metadata,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s failed", a.Action).WithCause(err)
	}
	return nil
}

func (d *Dispatcher) handleAppend(ctx context.Context, a *schema.Action) error {
	if a.UnitID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires unit_id", a.Action)
	}
	if err := d.content.AppendToUnit(ctx, a.UnitID, a.Content); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s failed", a.Action).WithCause(err)
	}
	return nil
}

func (d *Dispatcher) handleRemove(ctx context.Context, a *schema.Action) error {
	if a.UnitID == "" {
		return schema.NewError(schema.ErrCodeValidation, "remove requires unit_id")
	}
	if err := d.content.RemoveUnit(ctx, a.UnitID); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "remove failed").WithCause(err)
	}
	return nil
}

func (d *Dispatcher) handleThinking(ctx context.Context, a *schema.Action) error {
	if a.Action == schema.ActionThinkingStart && a.Content == "" {
		return nil
	}
	d.planning.AddThinking(schema.ThinkingEntry{
		StepID: logging.StepID(ctx),
		Text:   a.Content,
	})
	return nil
}

func (d *Dispatcher) handleUpdateTitle(ctx context.Context, a *schema.Action) error {
	title := a.Title
	if title == "" {
		title = a.Content
	}
	if title == "" {
		return schema.NewError(schema.ErrCodeValidation, "update_title requires a title")
	}
	d.workflow.SetTitle(title)
	return nil
}

// --- execution and planning verbs ---

// handleExec runs the code unit and records the outcome as an effect. A failed
// run is not a dispatch error: the effect carries the failure back to the
// backend, which reacts on the next step (or in-stream when auto_debug is set).
func (d *Dispatcher) handleExec(ctx context.Context, a *schema.Action) error {
	if a.UnitID == "" {
		return schema.NewError(schema.ErrCodeValidation, "exec requires unit_id")
	}

	result, err := d.runner.Execute(ctx, a.UnitID)
	if err != nil {
		d.planning.AddEffect(schema.Effect{
			UnitID: a.UnitID, Kind: "exec", Success: false, Error: err.Error(),
		})
		return schema.NewError(schema.ErrCodeExecution, "exec failed").
			WithCause(err).
			WithDetails(map[string]any{"unit_id": a.UnitID})
	}

	d.planning.AddEffect(schema.Effect{
		UnitID:  a.UnitID,
		Kind:    "exec",
		Success: result.Success,
		Output:  result.Output,
		Error:   result.Error,
	})

	if !result.Success {
		d.log.WarnContext(ctx, "code execution reported failure",
			"unit_id", a.UnitID, "auto_debug", a.AutoDebug, "error", result.Error)
	}
	return nil
}

// handleSetVariable stores a planning variable. With a query, the value is
// extracted from the most recent effect's output via jq; otherwise the action
// value is stored directly.
func (d *Dispatcher) handleSetVariable(ctx context.Context, a *schema.Action) error {
	if a.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "set_variable requires name")
	}

	value := a.Value
	if a.Query != "" {
		effect, ok := d.planning.LastEffect()
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"set_variable %q: query given but no effect recorded yet", a.Name)
		}
		extracted, err := d.jq.Evaluate(ctx, a.Query, effect.Output)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"set_variable %q: query failed", a.Name).WithCause(err)
		}
		value = extracted
	}

	d.planning.AddVariable(a.Name, value)
	return nil
}

func (d *Dispatcher) handleCompleteStep(ctx context.Context, a *schema.Action) error {
	stepID := a.StepID
	if stepID == "" {
		stepID = d.workflow.Position().CurrentStepID
	}
	if stepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "set_completed_step: no step to complete")
	}
	d.workflow.MarkStepCompleted(stepID, schema.StepResult{
		StageID: d.workflow.Position().CurrentStageID,
		Summary: a.Content,
	})
	d.publish(ctx, schema.EventStepCompleted, stepID, nil)
	return nil
}

func (d *Dispatcher) handleCompleteStage(ctx context.Context, a *schema.Action) error {
	stageID := a.StageID
	if stageID == "" {
		stageID = d.workflow.Position().CurrentStageID
	}
	if stageID == "" {
		return schema.NewError(schema.ErrCodeValidation, "set_completed_stage: no stage to complete")
	}
	d.workflow.MarkStageCompleted(stageID, schema.StageResult{Summary: a.Content})
	d.planning.MarkStageAsComplete(stageID)
	d.publish(ctx, schema.EventStageCompleted, "", map[string]any{"stage_id": stageID})
	return nil
}

// --- two-phase workflow updates ---

// handleUpdateWorkflow validates and stages a wholesale plan replacement. The
// live plan is untouched until the user confirms.
func (d *Dispatcher) handleUpdateWorkflow(ctx context.Context, a *schema.Action) error {
	if a.UpdatedWorkflow == nil {
		return schema.NewError(schema.ErrCodeInvalidUpdate, "update_workflow carries no template")
	}
	if err := d.validator.ValidateTemplate(a.UpdatedWorkflow); err != nil {
		return err
	}
	return d.stagePending(ctx, PendingUpdate{Template: a.UpdatedWorkflow})
}

// handleUpdateStageSteps validates and stages a single-stage step patch.
func (d *Dispatcher) handleUpdateStageSteps(ctx context.Context, a *schema.Action) error {
	stageID := a.StageID
	if stageID == "" {
		stageID = d.workflow.Position().CurrentStageID
	}
	if err := d.validator.ValidateStagePatch(stageID, a.UpdatedSteps); err != nil {
		return err
	}
	return d.stagePending(ctx, PendingUpdate{
		StageID:    stageID,
		Steps:      a.UpdatedSteps,
		NextStepID: a.NextStepID,
	})
}

func (d *Dispatcher) stagePending(ctx context.Context, update PendingUpdate) error {
	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "a workflow update is already awaiting confirmation")
	}
	d.pending = &update
	d.mu.Unlock()

	d.publish(ctx, schema.EventUpdatePending, "", map[string]any{"replace": update.IsReplace()})
	if d.confirm != nil {
		d.confirm.PresentWorkflowUpdate(ctx, update)
	}
	return nil
}

// UpdatePending reports whether a staged workflow update awaits confirmation.
// The engine suspends auto-advance while this is true.
func (d *Dispatcher) UpdatePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// SetResumeHook registers a callback invoked after Confirm resolves a staged
// update, with applied reporting whether the update was installed. The engine
// uses it to pick progression back up once auto-advance is unsuspended.
func (d *Dispatcher) SetResumeHook(fn func(ctx context.Context, applied bool)) {
	d.mu.Lock()
	d.resume = fn
	d.mu.Unlock()
}

func (d *Dispatcher) notifyResume(ctx context.Context, applied bool) {
	d.mu.Lock()
	fn := d.resume
	d.mu.Unlock()
	if fn != nil {
		fn(ctx, applied)
	}
}

// Confirm resolves the staged update. Accepting a replacement installs the new
// template and resets the planning context; accepting a patch rewrites one
// stage's steps in place. Rejection discards the staged update and leaves all
// state untouched.
func (d *Dispatcher) Confirm(ctx context.Context, accept bool) error {
	d.mu.Lock()
	update := d.pending
	d.pending = nil
	d.mu.Unlock()

	if update == nil {
		return schema.NewError(schema.ErrCodeNotFound, "no workflow update awaiting confirmation")
	}

	if !accept {
		d.publish(ctx, schema.EventUpdateRejected, "", nil)
		d.log.InfoContext(ctx, "workflow update rejected")
		d.notifyResume(ctx, false)
		return nil
	}

	if update.IsReplace() {
		if err := d.workflow.ReplaceTemplate(update.Template); err != nil {
			return err
		}
		d.planning.Reset()
		d.publish(ctx, schema.EventUpdateAccepted, "", map[string]any{"replace": true})
		d.publish(ctx, schema.EventPlanReplaced, "", nil)
		d.log.InfoContext(ctx, "workflow replaced", "plan_id", update.Template.ID)
		d.notifyResume(ctx, true)
		return nil
	}

	if err := d.workflow.PatchStageSteps(update.StageID, update.Steps, update.NextStepID); err != nil {
		return err
	}
	d.publish(ctx, schema.EventUpdateAccepted, "", map[string]any{"replace": false})
	d.publish(ctx, schema.EventStageSteps, "", map[string]any{"stage_id": update.StageID})
	d.log.InfoContext(ctx, "stage steps patched", "stage_id", update.StageID)
	d.notifyResume(ctx, true)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, eventType, stepID string, payload map[string]any) {
	if d.hub == nil {
		return
	}
	planID := ""
	if tpl := d.workflow.Template(); tpl != nil {
		planID = tpl.ID
	}
	ev := streaming.StepEvent(planID, d.workflow.Position().CurrentStageID, stepID, eventType, payload)
	if err := d.hub.Publish(ctx, ev); err != nil {
		d.log.WarnContext(ctx, "event publish failed", "type", eventType, "error", err)
	}
}
