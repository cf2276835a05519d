package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/pkg/schema"
)

func planTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:   "plan-1",
		Name: "Sales Analysis",
		Stages: []schema.Stage{
			{ID: "a", Name: "Explore", Steps: []schema.Step{
				{ID: "a1", StepID: "a1", Name: "Profile data"},
				{ID: "a2", StepID: "a2", Name: "Plot distributions"},
			}},
			{ID: "b", Name: "Model", Steps: []schema.Step{
				{ID: "b1", StepID: "b1", Name: "Fit model"},
			}},
		},
	}
}

func TestStore_InitializeWorkflow(t *testing.T) {
	s := NewStore(nil)
	tpl, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)
	assert.Equal(t, "plan-1", tpl.ID)

	pos := s.Position()
	assert.Equal(t, "a", pos.CurrentStageID)
	assert.Equal(t, "a1", pos.CurrentStepID)
	assert.Equal(t, 0, pos.CurrentStepIndex)
	assert.Equal(t, uint64(1), s.TemplateVersion())
}

func TestStore_InitializeWorkflow_EmptyTemplate(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: &schema.WorkflowTemplate{}})
	require.Error(t, err)

	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestStore_InitializeWorkflow_AssignsID(t *testing.T) {
	s := NewStore(nil)
	tpl := planTemplate()
	tpl.ID = ""
	installed, err := s.InitializeWorkflow(InitRequest{Template: tpl})
	require.NoError(t, err)
	assert.NotEmpty(t, installed.ID)
}

func TestStore_StageTransitions(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	s.NextStage()
	pos := s.Position()
	assert.Equal(t, "b", pos.CurrentStageID)
	assert.Equal(t, "b1", pos.CurrentStepID)
	assert.True(t, s.Animating())
	assert.False(t, s.Animating(), "animating flag reads once")

	// Already at the last stage.
	s.NextStage()
	assert.Equal(t, "b", s.Position().CurrentStageID)

	s.PrevStage()
	assert.Equal(t, "a", s.Position().CurrentStageID)

	// Unknown stage is ignored.
	s.SetStage("nope")
	assert.Equal(t, "a", s.Position().CurrentStageID)
}

func TestStore_StepTransitions(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	s.SetStep(1)
	assert.Equal(t, "a2", s.Position().CurrentStepID)

	// Out of range is ignored.
	s.SetStep(7)
	assert.Equal(t, 1, s.Position().CurrentStepIndex)

	s.SetStepID("a1")
	assert.Equal(t, 0, s.Position().CurrentStepIndex)

	s.SetStepID("ghost")
	assert.Equal(t, "a1", s.Position().CurrentStepID)
}

func TestStore_MarkCompletedIdempotent(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	s.MarkStepCompleted("a1", schema.StepResult{Summary: "first", Attempts: 2})
	s.MarkStepCompleted("a1", schema.StepResult{Summary: "second", Attempts: 9})

	assert.True(t, s.IsStepCompleted("a1"))
	r, ok := s.StepResultFor("a1")
	require.True(t, ok)
	assert.Equal(t, "first", r.Summary, "result record is written once")

	steps, stages := s.CompletedCounts()
	assert.Equal(t, 1, steps)
	assert.Equal(t, 0, stages)

	s.MarkStageCompleted("a", schema.StageResult{Summary: "done"})
	s.MarkStageCompleted("a", schema.StageResult{Summary: "again"})
	assert.True(t, s.IsStageCompleted("a"))
	sr, ok := s.StageResultFor("a")
	require.True(t, ok)
	assert.Equal(t, "done", sr.Summary)
}

func TestStore_CanAutoAdvance(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	assert.False(t, s.CanAutoAdvanceStep(), "current step not completed yet")

	s.MarkStepCompleted("a1", schema.StepResult{})
	assert.True(t, s.CanAutoAdvanceStep())

	s.SetStep(1)
	s.MarkStepCompleted("a2", schema.StepResult{})
	assert.False(t, s.CanAutoAdvanceStep(), "no step after the last one")

	assert.False(t, s.CanAutoAdvanceStage())
	s.MarkStageCompleted("a", schema.StageResult{})
	assert.True(t, s.CanAutoAdvanceStage())
}

func TestStore_ReplaceTemplateResetsProgress(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	s.MarkStepCompleted("a1", schema.StepResult{})
	s.SetStep(1)
	v := s.TemplateVersion()

	replacement := &schema.WorkflowTemplate{
		ID: "plan-2",
		Stages: []schema.Stage{
			{ID: "x", Steps: []schema.Step{{ID: "x1", StepID: "x1"}}},
		},
	}
	require.NoError(t, s.ReplaceTemplate(replacement))

	assert.Greater(t, s.TemplateVersion(), v)
	pos := s.Position()
	assert.Equal(t, "x", pos.CurrentStageID)
	assert.Equal(t, "x1", pos.CurrentStepID)
	assert.False(t, s.IsStepCompleted("a1"), "completion sets reset on replacement")

	assert.Error(t, s.ReplaceTemplate(&schema.WorkflowTemplate{}))
}

func TestStore_PatchStageSteps_CurrentStage(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	s.MarkStepCompleted("a1", schema.StepResult{})
	newSteps := []schema.Step{
		{ID: "a1", StepID: "a1"},
		{ID: "a2b", StepID: "a2b"},
		{ID: "a3", StepID: "a3"},
	}
	require.NoError(t, s.PatchStageSteps("a", newSteps, "a2b"))

	pos := s.Position()
	assert.Equal(t, "a", pos.CurrentStageID)
	assert.Equal(t, "a2b", pos.CurrentStepID)
	assert.Equal(t, 1, pos.CurrentStepIndex)
	assert.True(t, s.IsStepCompleted("a1"), "completion sets survive a patch")
}

func TestStore_PatchStageSteps_ClampsPosition(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)
	s.SetStep(1)

	require.NoError(t, s.PatchStageSteps("a", []schema.Step{{ID: "only", StepID: "only"}}, ""))
	pos := s.Position()
	assert.Equal(t, 0, pos.CurrentStepIndex)
	assert.Equal(t, "only", pos.CurrentStepID)
}

func TestStore_PatchStageSteps_OtherStageKeepsPosition(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	require.NoError(t, s.PatchStageSteps("b", []schema.Step{{ID: "b9", StepID: "b9"}}, "b9"))
	pos := s.Position()
	assert.Equal(t, "a", pos.CurrentStageID)
	assert.Equal(t, "a1", pos.CurrentStepID)

	stage, _ := s.Template().StageAt("b")
	require.NotNil(t, stage)
	assert.Equal(t, "b9", stage.Steps[0].StepID)
}

func TestStore_PatchStageSteps_EmptyList(t *testing.T) {
	s := NewStore(nil)
	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	err = s.PatchStageSteps("a", nil, "")
	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeInvalidUpdate, perr.Code)
}

func TestStore_CurrentStepAndStage(t *testing.T) {
	s := NewStore(nil)
	assert.Nil(t, s.CurrentStageConfig(), "not ready before initialization")
	assert.Nil(t, s.CurrentStep())

	_, err := s.InitializeWorkflow(InitRequest{Template: planTemplate()})
	require.NoError(t, err)

	stage := s.CurrentStageConfig()
	require.NotNil(t, stage)
	assert.Equal(t, "a", stage.ID)

	step := s.CurrentStep()
	require.NotNil(t, step)
	assert.Equal(t, "a1", step.StepID)
}
