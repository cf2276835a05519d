package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/pkg/schema"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewAuditStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()

	require.NoError(t, s.StartRun(ctx, runID, "plan-1", "Sales Analysis"))
	require.NoError(t, s.FinishRun(ctx, runID, "completed"))

	err := s.FinishRun(ctx, "ghost", "completed")
	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

func TestStepAndStageResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()
	require.NoError(t, s.StartRun(ctx, runID, "plan-1", ""))

	require.NoError(t, s.SaveStepResult(ctx, runID, schema.StepResult{
		StepID: "a1", StageID: "a", Summary: "profiled", Attempts: 2, DurationMs: 1500,
	}))
	// Upsert overwrites.
	require.NoError(t, s.SaveStepResult(ctx, runID, schema.StepResult{
		StepID: "a1", StageID: "a", Summary: "profiled again", Attempts: 3,
	}))

	require.NoError(t, s.SaveStageResult(ctx, runID, schema.StageResult{
		StageID: "a", Summary: "exploration done",
	}))
}

func TestEventsAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()

	require.NoError(t, s.AppendEvent(ctx, Event{
		RunID: runID, PlanID: "plan-1", StageID: "a", StepID: "a1",
		Type: schema.EventStepStarted,
	}))
	require.NoError(t, s.AppendEvent(ctx, Event{
		RunID: runID, PlanID: "plan-1", StageID: "a", StepID: "a1",
		Type:    schema.EventStepCompleted,
		Payload: map[string]any{"attempts": 1},
	}))

	events, err := s.ListEvents(ctx, runID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, schema.EventStepCompleted, events[1].Type)
	assert.NotNil(t, events[1].Payload)

	other, err := s.ListEvents(ctx, "other-run", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()

	state := &schema.PlanningState{Variables: map[string]any{"mean": 4.5}}
	state.Normalize()

	require.NoError(t, s.SaveCheckpoint(ctx, runID, 3, state))
	require.NoError(t, s.SaveCheckpoint(ctx, runID, 7, state))

	cp, err := s.LatestCheckpoint(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cp.Version)
	assert.Equal(t, 4.5, cp.State.Variables["mean"])
	assert.NotNil(t, cp.State.Thinking, "loaded state is normalized")

	_, err = s.LatestCheckpoint(ctx, "ghost")
	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}
