package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/planline/planline/internal/dispatch"
	"github.com/planline/planline/internal/expressions"
	"github.com/planline/planline/internal/logging"
	"github.com/planline/planline/internal/planner"
	"github.com/planline/planline/internal/planning"
	"github.com/planline/planline/internal/queue"
	"github.com/planline/planline/internal/streaming"
	"github.com/planline/planline/internal/workflow"
	"github.com/planline/planline/pkg/schema"
)

const (
	defaultMaxAttempts = 10
	defaultSettleDelay = 800 * time.Millisecond
)

// Config tunes the step execution loop.
type Config struct {
	// MaxAttempts bounds feedback-driven retries of a single step.
	MaxAttempts int
	// SettleDelay is the pause between a completed step and the automatic
	// load of the next one, giving the UI time to render the final state.
	SettleDelay time.Duration
	// AutoAdvance enables loading the next step after a successful one.
	AutoAdvance bool
}

// Engine drives the request/stream/drain/feedback cycle for one step at a
// time. Loading a step supersedes any in-flight one: its stream is aborted,
// queued actions are discarded, and none of its outcomes are committed.
type Engine struct {
	client   planner.Client
	queue    *queue.OperationQueue
	dispatch *dispatch.Dispatcher
	workflow *workflow.Store
	planning *planning.ContextStore
	cel      *expressions.CELEngine
	hub      streaming.EventHub
	log      *slog.Logger
	cfg      Config

	mu              sync.Mutex
	gen             uint64
	cancel          context.CancelFunc
	status          schema.StepStatus
	uiLoaded        bool
	streamCompleted bool
	failure         *schema.StepFailure
}

// Run is a handle on one step load. Wait blocks until the run reaches a
// terminal state or is superseded.
type Run struct {
	done chan struct{}
	err  error
}

// Wait blocks until the run finishes. The returned error is the terminal
// failure, nil for success, skip, or supersession.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates an Engine.
func New(client planner.Client, q *queue.OperationQueue, d *dispatch.Dispatcher,
	wf *workflow.Store, pc *planning.ContextStore, cel *expressions.CELEngine,
	hub streaming.EventHub, log *slog.Logger, cfg Config) *Engine {

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		client:   client,
		queue:    q,
		dispatch: d,
		workflow: wf,
		planning: pc,
		cel:      cel,
		hub:      hub,
		log:      log,
		cfg:      cfg,
		status:   schema.StepStatusIdle,
	}
	if d != nil {
		d.SetResumeHook(e.resumeAfterConfirm)
	}
	return e
}

// Status returns the active step's lifecycle state.
func (e *Engine) Status() schema.StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// UILoaded reports whether at least one streamed action has been applied for
// the active step. UIs use it to swap skeletons for content.
func (e *Engine) UILoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uiLoaded
}

// StreamCompleted reports whether the active step's stream reached its end.
// Distinct from UILoaded: a stream can finish before its actions drain.
func (e *Engine) StreamCompleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamCompleted
}

// Failure returns the failure record of the last halted step, or nil.
func (e *Engine) Failure() *schema.StepFailure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// Start loads the step at the current workflow position.
func (e *Engine) Start(ctx context.Context) *Run {
	pos := e.workflow.Position()
	return e.LoadStep(ctx, pos.CurrentStageID, pos.CurrentStepIndex)
}

// LoadStep begins executing the step at (stageID, stepIndex). Any in-flight
// step is aborted first: its stream context is canceled and the operation
// queue is cleared so stale actions never reach the dispatcher.
func (e *Engine) LoadStep(ctx context.Context, stageID string, stepIndex int) *Run {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	gen := e.gen
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.status = schema.StepStatusRequesting
	e.uiLoaded = false
	e.streamCompleted = false
	e.failure = nil
	e.mu.Unlock()

	e.queue.Clear()

	if e.workflow.Position().CurrentStageID != stageID {
		e.workflow.SetStage(stageID)
	}
	e.workflow.SetStep(stepIndex)

	r := &Run{done: make(chan struct{})}
	go e.run(runCtx, gen, r)
	return r
}

func (e *Engine) run(ctx context.Context, gen uint64, r *Run) {
	defer close(r.done)

	pos := e.workflow.Position()
	planID := ""
	if tpl := e.workflow.Template(); tpl != nil {
		planID = tpl.ID
	}
	ctx = logging.WithIDs(ctx, planID, pos.CurrentStageID, pos.CurrentStepID)

	step := e.workflow.CurrentStep()
	if step == nil {
		r.err = e.fail(ctx, gen, schema.NewError(schema.ErrCodeValidation,
			"no step at the current position").WithStep(pos.CurrentStepID))
		return
	}

	skip, err := e.shouldSkip(ctx, step)
	if err != nil {
		r.err = e.fail(ctx, gen, err)
		return
	}
	if skip {
		e.log.InfoContext(ctx, "step condition not met, skipping", "condition", step.Condition)
		e.setStatus(gen, schema.StepStatusCompleted)
		e.publish(ctx, schema.EventStepSkipped, pos.CurrentStepID, nil)
		e.advance(ctx, gen)
		return
	}

	e.publish(ctx, schema.EventStepStarted, pos.CurrentStepID, nil)
	start := time.Now()

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := e.attempt(ctx, gen, pos)
		if err == nil {
			e.complete(ctx, gen, pos, attempt, start)
			return
		}
		if ctx.Err() != nil {
			// Superseded or shut down. The new load owns all state now.
			e.publish(context.WithoutCancel(ctx), schema.EventStepAborted, pos.CurrentStepID, nil)
			return
		}

		var perr *schema.PlanlineError
		if errors.As(err, &perr) && perr.IsRetryable() && attempt < e.cfg.MaxAttempts {
			e.log.InfoContext(ctx, "step target not achieved, retrying",
				"attempt", attempt, "reason", perr.Message)
			e.setStatus(gen, schema.StepStatusRetrying)
			e.publish(ctx, schema.EventStepRetrying, pos.CurrentStepID,
				map[string]any{"attempt": attempt, "reason": perr.Message})
			continue
		}

		if errors.As(err, &perr) && perr.IsRetryable() {
			err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %s did not achieve its target after %d attempts",
				pos.CurrentStepID, e.cfg.MaxAttempts).
				WithStep(pos.CurrentStepID).
				WithCause(perr)
		}
		r.err = e.fail(ctx, gen, err)
		return
	}
}

// shouldSkip evaluates the step's optional condition against the planning
// scope. A missing condition never skips.
func (e *Engine) shouldSkip(ctx context.Context, step *schema.Step) (bool, error) {
	if step.Condition == "" || e.cel == nil {
		return false, nil
	}
	state := e.planning.Snapshot()

	stageStatus := map[string]any{}
	for k, v := range state.StageStatus {
		stageStatus[k] = v
	}
	wf := map[string]any{}
	if tpl := e.workflow.Template(); tpl != nil {
		wf["plan_id"] = tpl.ID
		wf["name"] = tpl.Name
	}

	ok, err := e.cel.EvaluateBool(ctx, step.Condition, map[string]any{
		"variables":    state.Variables,
		"stage_status": stageStatus,
		"workflow":     wf,
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"step condition %q failed to evaluate", step.Condition).
			WithStep(step.StepID).
			WithCause(err)
	}
	return !ok, nil
}

// attempt runs one full request/stream/drain/feedback cycle. A nil return
// means the target was achieved; a retryable error means the backend asked
// for another pass over the same step.
func (e *Engine) attempt(ctx context.Context, gen uint64, pos schema.ExecutionPosition) error {
	e.setStatus(gen, schema.StepStatusRequesting)
	// A retry opens a fresh stream; the flag reflects the current attempt.
	e.setStreamCompleted(gen, false)

	req := schema.StepRequest{
		StageID:   pos.CurrentStageID,
		StepIndex: strconv.Itoa(pos.CurrentStepIndex),
		State:     e.planning.Snapshot(),
		Stream:    true,
	}
	body, err := e.client.OpenStepStream(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	e.setStatus(gen, schema.StepStatusStreaming)
	e.publish(ctx, schema.EventStepStreaming, pos.CurrentStepID, nil)

	var pendings []*queue.Pending
	dec := planner.NewDecoder(body)
	for {
		// The decoder keeps serving buffered lines after a read error, so a
		// superseded run must stop consuming here rather than rely on the
		// stream breaking.
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if planner.IsRecoverableParseError(err) {
			e.log.WarnContext(ctx, "skipping malformed protocol line", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if msg.Error != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"backend reported step error: %s", msg.Error.Message).
				WithStep(pos.CurrentStepID)
		}
		if msg.Action == nil {
			continue
		}

		action := msg.Action
		pendings = append(pendings, e.queue.Enqueue(ctx, func(opCtx context.Context) (any, error) {
			// A stale closure may still reach the live queue when its line
			// was decoded right as the step was superseded.
			if opCtx.Err() != nil || !e.isCurrent(gen) {
				return nil, nil
			}
			if err := e.dispatch.Dispatch(opCtx, action); err != nil {
				return nil, err
			}
			e.markUILoaded(gen)
			return nil, nil
		}))
	}

	e.setStreamCompleted(gen, true)
	e.setStatus(gen, schema.StepStatusDraining)
	if err := e.queue.WaitIdle(ctx); err != nil {
		return err
	}
	for _, p := range pendings {
		// The queue is idle; outcomes are already settled.
		if _, err := p.Wait(ctx); err != nil {
			return err
		}
	}

	e.setStatus(gen, schema.StepStatusFeedback)
	if e.planning.IsStageComplete(pos.CurrentStageID) || e.workflow.IsStageCompleted(pos.CurrentStageID) {
		// The stage was closed out mid-stream; the backend has nothing
		// further to verify for this step.
		return nil
	}

	fb, err := e.client.Feedback(ctx, schema.FeedbackRequest{
		StageID:   pos.CurrentStageID,
		StepIndex: strconv.Itoa(pos.CurrentStepIndex),
		State:     e.planning.Snapshot(),
	})
	if err != nil {
		return err
	}
	if !fb.TargetAchieved {
		return schema.NewErrorf(schema.ErrCodeTargetMissed,
			"target not achieved: %s", fb.Reason).WithStep(pos.CurrentStepID)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, gen uint64, pos schema.ExecutionPosition, attempts int, start time.Time) {
	if !e.isCurrent(gen) {
		return
	}
	e.setStatus(gen, schema.StepStatusCompleted)
	e.planning.RotateEffects()

	duration := time.Since(start).Milliseconds()
	e.publish(ctx, schema.EventStepCompleted, pos.CurrentStepID, map[string]any{
		"stage_id":    pos.CurrentStageID,
		"attempts":    attempts,
		"duration_ms": duration,
	})
	e.log.InfoContext(ctx, "step completed", "attempts", attempts, "duration_ms", duration)

	e.advance(ctx, gen)
}

// advance loads the next step after the settle delay. Suspended while a
// workflow update awaits confirmation; the supersession context cancels any
// pending advance.
func (e *Engine) advance(ctx context.Context, gen uint64) {
	if !e.cfg.AutoAdvance {
		return
	}
	if e.dispatch != nil && e.dispatch.UpdatePending() {
		e.log.InfoContext(ctx, "auto-advance suspended: workflow update pending")
		return
	}

	select {
	case <-time.After(e.cfg.SettleDelay):
	case <-ctx.Done():
		return
	}
	if !e.isCurrent(gen) {
		return
	}
	if e.dispatch != nil && e.dispatch.UpdatePending() {
		return
	}

	pos := e.workflow.Position()
	stage := e.workflow.CurrentStageConfig()
	if stage == nil {
		return
	}
	if pos.CurrentStepIndex+1 < len(stage.Steps) {
		e.LoadStep(context.WithoutCancel(ctx), pos.CurrentStageID, pos.CurrentStepIndex+1)
		return
	}

	// The stage's last step finished: close the stage out, then move to the
	// next one or declare the plan done.
	if !e.workflow.IsStageCompleted(pos.CurrentStageID) {
		e.workflow.MarkStageCompleted(pos.CurrentStageID, schema.StageResult{})
		e.planning.MarkStageAsComplete(pos.CurrentStageID)
		e.publish(ctx, schema.EventStageCompleted, "", map[string]any{"stage_id": pos.CurrentStageID})
		e.log.InfoContext(ctx, "stage completed", "stage_id", pos.CurrentStageID)
	}

	tpl := e.workflow.Template()
	_, idx := tpl.StageAt(pos.CurrentStageID)
	if idx >= 0 && idx+1 < len(tpl.Stages) {
		e.LoadStep(context.WithoutCancel(ctx), tpl.Stages[idx+1].ID, 0)
		return
	}
	e.publish(ctx, schema.EventPlanCompleted, "", nil)
	e.log.InfoContext(ctx, "plan completed")
}

// resumeAfterConfirm restarts progression once a staged workflow update is
// resolved. An applied update moved the position, so the step there runs
// fresh. A rejection leaves state untouched; the completed step's consumed
// advance is replayed so the plan keeps moving.
func (e *Engine) resumeAfterConfirm(ctx context.Context, applied bool) {
	if !e.cfg.AutoAdvance {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if applied {
		pos := e.workflow.Position()
		e.LoadStep(ctx, pos.CurrentStageID, pos.CurrentStepIndex)
		return
	}

	e.mu.Lock()
	gen := e.gen
	status := e.status
	e.mu.Unlock()
	if status != schema.StepStatusCompleted {
		// The staging step is still in flight; its own completion handles
		// the advance now that nothing is pending.
		return
	}
	go e.advance(ctx, gen)
}

func (e *Engine) fail(ctx context.Context, gen uint64, err error) error {
	var perr *schema.PlanlineError
	if !errors.As(err, &perr) {
		perr = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	}

	e.mu.Lock()
	if gen == e.gen {
		e.status = schema.StepStatusFailed
		e.failure = schema.NewStepFailure(perr, map[string]any{
			"stage_id": logging.StageID(ctx),
			"step_id":  logging.StepID(ctx),
		})
	}
	e.mu.Unlock()

	e.publish(ctx, schema.EventStepFailed, logging.StepID(ctx), map[string]any{
		"code":    perr.Code,
		"message": perr.Message,
	})
	e.log.ErrorContext(ctx, "step failed", "code", perr.Code, "error", perr.Message)
	return perr
}

func (e *Engine) setStatus(gen uint64, s schema.StepStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.status = s
	}
}

func (e *Engine) markUILoaded(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.uiLoaded = true
	}
}

func (e *Engine) setStreamCompleted(gen uint64, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.streamCompleted = v
	}
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen
}

func (e *Engine) publish(ctx context.Context, eventType, stepID string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	planID := ""
	if tpl := e.workflow.Template(); tpl != nil {
		planID = tpl.ID
	}
	ev := streaming.StepEvent(planID, e.workflow.Position().CurrentStageID, stepID, eventType, payload)
	if err := e.hub.Publish(ctx, ev); err != nil {
		e.log.WarnContext(ctx, "event publish failed", "type", eventType, "error", err)
	}
}
