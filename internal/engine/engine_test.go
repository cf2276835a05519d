package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline/internal/dispatch"
	"github.com/planline/planline/internal/expressions"
	"github.com/planline/planline/internal/notebook"
	"github.com/planline/planline/internal/planning"
	"github.com/planline/planline/internal/queue"
	"github.com/planline/planline/internal/streaming"
	"github.com/planline/planline/internal/validation"
	"github.com/planline/planline/internal/workflow"
	"github.com/planline/planline/pkg/schema"
)

// fakeClient replays scripted stream bodies and feedback verdicts.
type fakeClient struct {
	mu            sync.Mutex
	streams       []string
	bodies        []io.ReadCloser // raw bodies, consumed before streams
	feedbacks     []bool
	streamErr     error
	blockAfter    string // stream body after which reads block until cancel
	streamCalls   int
	feedbackCalls int
}

func (c *fakeClient) OpenStepStream(ctx context.Context, _ schema.StepRequest) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamCalls++
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	if len(c.bodies) > 0 {
		b := c.bodies[0]
		c.bodies = c.bodies[1:]
		return b, nil
	}

	body := ""
	if len(c.streams) > 0 {
		body = c.streams[0]
		if len(c.streams) > 1 {
			c.streams = c.streams[1:]
		}
	}
	if c.blockAfter != "" {
		return &blockingBody{ctx: ctx, r: strings.NewReader(c.blockAfter)}, nil
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (c *fakeClient) Feedback(ctx context.Context, _ schema.FeedbackRequest) (*schema.FeedbackResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedbackCalls++

	achieved := true
	if len(c.feedbacks) > 0 {
		achieved = c.feedbacks[0]
		if len(c.feedbacks) > 1 {
			c.feedbacks = c.feedbacks[1:]
		}
	}
	return &schema.FeedbackResponse{TargetAchieved: achieved, Reason: "scripted"}, nil
}

func (c *fakeClient) calls() (streams, feedbacks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamCalls, c.feedbackCalls
}

// blockingBody serves its payload and then blocks until the request context
// is canceled, simulating a stream that never ends.
type blockingBody struct {
	ctx context.Context
	r   *strings.Reader
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if b.r.Len() > 0 {
		return b.r.Read(p)
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

// scriptedBody serves chunks as the test feeds them and reaches EOF when the
// channel closes, giving the test full control over delivery timing.
type scriptedBody struct {
	chunks chan string
	buf    []byte
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		chunk, ok := <-b.chunks
		if !ok {
			return 0, io.EOF
		}
		b.buf = []byte(chunk)
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *scriptedBody) Close() error { return nil }

type harness struct {
	engine     *Engine
	client     *fakeClient
	queue      *queue.OperationQueue
	dispatcher *dispatch.Dispatcher
	workflow   *workflow.Store
	planning   *planning.ContextStore
	content    *notebook.MemoryStore
	hub        *streaming.MemoryHub
}

func newHarness(t *testing.T, client *fakeClient, cfg Config) *harness {
	t.Helper()
	return newHarnessWithTemplate(t, client, cfg, &schema.WorkflowTemplate{
		ID: "plan-1",
		Stages: []schema.Stage{
			{ID: "a", Steps: []schema.Step{
				{ID: "a1", StepID: "a1"},
				{ID: "a2", StepID: "a2"},
			}},
		},
	})
}

func newHarnessWithTemplate(t *testing.T, client *fakeClient, cfg Config, tpl *schema.WorkflowTemplate) *harness {
	t.Helper()

	wf := workflow.NewStore(nil)
	_, err := wf.InitializeWorkflow(workflow.InitRequest{Template: tpl})
	require.NoError(t, err)

	validator, err := validation.NewTemplateValidator()
	require.NoError(t, err)
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)

	pc := planning.NewContextStore()
	content := notebook.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	q := queue.New()

	d := dispatch.NewDispatcher(dispatch.Config{
		Workflow:  wf,
		Planning:  pc,
		Content:   content,
		Runner:    notebook.NewEchoRunner(content),
		Validator: validator,
		JQ:        expressions.NewGoJQEngine(),
		Hub:       hub,
	})

	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Millisecond
	}
	eng := New(client, q, d, wf, pc, celEngine, hub, nil, cfg)
	return &harness{
		engine: eng, client: client, queue: q, dispatcher: d,
		workflow: wf, planning: pc, content: content, hub: hub,
	}
}

func ndjson(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestEngine_SuccessfulStep(t *testing.T) {
	client := &fakeClient{streams: []string{ndjson(
		`{"action":{"action":"add","unit_id":"u1","content":"# Report"}}`,
		`{"action":{"action":"set_completed_step","step_id":"a1"}}`,
	)}}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())
	assert.True(t, h.engine.UILoaded())
	assert.True(t, h.engine.StreamCompleted())
	assert.Nil(t, h.engine.Failure())
	assert.True(t, h.workflow.IsStepCompleted("a1"))

	_, ok := h.content.Unit("u1")
	assert.True(t, ok)

	streams, feedbacks := client.calls()
	assert.Equal(t, 1, streams)
	assert.Equal(t, 1, feedbacks)
}

func TestEngine_EffectsRotateOnCompletion(t *testing.T) {
	client := &fakeClient{streams: []string{ndjson(
		`{"action":{"action":"add","unit_id":"c1","content":"1+1","language":"python"}}`,
		`{"action":{"action":"exec","unit_id":"c1"}}`,
	)}}
	h := newHarness(t, client, Config{})

	require.NoError(t, h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background()))

	state := h.planning.Snapshot()
	assert.Empty(t, state.Effect.Current)
	require.Len(t, state.Effect.History, 1)
	assert.True(t, state.Effect.History[0].Success)
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	client := &fakeClient{
		streams:   []string{ndjson(`{"action":{"action":"add","unit_id":"u1"}}`)},
		feedbacks: []bool{false, false, true},
	}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())

	streams, feedbacks := client.calls()
	assert.Equal(t, 3, streams, "each retry replays the full request cycle")
	assert.Equal(t, 3, feedbacks)
}

func TestEngine_RetryExhausted(t *testing.T) {
	client := &fakeClient{
		streams:   []string{ndjson(`{"action":{"action":"add","unit_id":"u1"}}`)},
		feedbacks: []bool{false},
	}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.Error(t, err)

	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, perr.Code)
	assert.Contains(t, perr.Message, "a1")
	assert.Contains(t, perr.Message, "10 attempts")

	assert.Equal(t, schema.StepStatusFailed, h.engine.Status())
	require.NotNil(t, h.engine.Failure())
	assert.Equal(t, schema.ErrCodeRetryExhausted, h.engine.Failure().Type)

	streams, feedbacks := client.calls()
	assert.Equal(t, 10, streams, "retries are bounded")
	assert.Equal(t, 10, feedbacks)
}

func TestEngine_TransportErrorHaltsWithoutRetry(t *testing.T) {
	client := &fakeClient{
		streamErr: schema.NewError(schema.ErrCodeTransport, "connection refused"),
	}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.Error(t, err)

	assert.Equal(t, schema.StepStatusFailed, h.engine.Status())
	require.NotNil(t, h.engine.Failure())
	assert.Equal(t, schema.ErrCodeTransport, h.engine.Failure().Type)

	streams, feedbacks := client.calls()
	assert.Equal(t, 1, streams, "transport failures are not retried")
	assert.Equal(t, 0, feedbacks)
}

func TestEngine_BackendErrorLineFails(t *testing.T) {
	client := &fakeClient{streams: []string{ndjson(
		`{"action":{"action":"add","unit_id":"u1"}}`,
		`{"error":{"message":"kernel died"}}`,
	)}}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.Error(t, err)

	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeExecution, perr.Code)
	assert.Contains(t, perr.Message, "kernel died")
}

func TestEngine_SupersessionDiscardsQueuedActions(t *testing.T) {
	client := &fakeClient{streams: []string{
		ndjson(`{"action":{"action":"add","unit_id":"stale"}}`),
		ndjson(`{"action":{"action":"add","unit_id":"fresh"}}`),
	}}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	// Hold the queue so the first step's action stays pending.
	release := make(chan struct{})
	h.queue.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	first := h.engine.LoadStep(context.Background(), "a", 0)

	// Give the first stream time to enqueue behind the blocker.
	time.Sleep(20 * time.Millisecond)

	second := h.engine.LoadStep(context.Background(), "a", 1)
	close(release)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Wait(waitCtx), "a superseded run never surfaces an error")
	require.NoError(t, second.Wait(waitCtx))

	_, ok := h.content.Unit("stale")
	assert.False(t, ok, "actions cleared on supersession never dispatch")
	_, ok = h.content.Unit("fresh")
	assert.True(t, ok)

	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())
	assert.Equal(t, "a2", h.workflow.Position().CurrentStepID)
}

func TestEngine_SupersessionWhileStreaming(t *testing.T) {
	client := &fakeClient{blockAfter: ndjson(`{"action":{"action":"add","unit_id":"u1"}}`)}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	first := h.engine.LoadStep(context.Background(), "a", 0)
	time.Sleep(20 * time.Millisecond)

	client.mu.Lock()
	client.blockAfter = ""
	client.streams = []string{ndjson(`{"action":{"action":"add","unit_id":"u2"}}`)}
	client.mu.Unlock()

	second := h.engine.LoadStep(context.Background(), "a", 1)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Wait(waitCtx))
	require.NoError(t, second.Wait(waitCtx))
	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())
}

func TestEngine_ConditionSkips(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	tpl := h.workflow.Template()
	tpl.Stages[0].Steps[0].Condition = `"ready" in variables`

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)

	streams, feedbacks := client.calls()
	assert.Equal(t, 0, streams, "skipped steps never reach the backend")
	assert.Equal(t, 0, feedbacks)
	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())
}

func TestEngine_AutoAdvanceThroughStage(t *testing.T) {
	client := &fakeClient{streams: []string{
		ndjson(`{"action":{"action":"set_completed_step","step_id":"a1"}}`),
		ndjson(`{"action":{"action":"set_completed_step","step_id":"a2"}}`),
	}}
	h := newHarness(t, client, Config{MaxAttempts: 10, AutoAdvance: true, SettleDelay: time.Millisecond})

	ctx := context.Background()
	events, unsubscribe, err := h.hub.Subscribe(ctx, streaming.Filter{
		Types: []string{schema.EventStepCompleted},
	})
	require.NoError(t, err)
	defer unsubscribe()

	h.engine.LoadStep(ctx, "a", 0)

	completed := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(completed) < 2 {
		select {
		case ev := <-events:
			completed[ev.StepID] = true
		case <-timeout:
			t.Fatalf("timed out waiting for both steps, got %v", completed)
		}
	}
	assert.True(t, completed["a1"])
	assert.True(t, completed["a2"])

	require.Eventually(t, func() bool {
		return h.workflow.Position().CurrentStepID == "a2" &&
			h.engine.Status() == schema.StepStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_AutoAdvanceSuspendedWhileUpdatePending(t *testing.T) {
	client := &fakeClient{streams: []string{ndjson(
		`{"action":{"action":"update_stage_steps","stage_id":"a","updated_steps":[{"id":"a1","step_id":"a1"},{"id":"a9","step_id":"a9"}],"next_step_id":"a9"}}`,
	)}}
	h := newHarness(t, client, Config{MaxAttempts: 10, AutoAdvance: true, SettleDelay: time.Millisecond})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)

	assert.True(t, h.dispatcher.UpdatePending())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "a1", h.workflow.Position().CurrentStepID,
		"no auto-advance while an update awaits confirmation")

	streams, _ := client.calls()
	assert.Equal(t, 1, streams)
}

func TestEngine_FeedbackSkippedWhenStageCompleted(t *testing.T) {
	client := &fakeClient{
		streams:   []string{ndjson(`{"action":{"action":"set_completed_stage","stage_id":"a"}}`)},
		feedbacks: []bool{false}, // would force a retry if consulted
	}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())
	_, feedbacks := client.calls()
	assert.Equal(t, 0, feedbacks, "completed stages need no feedback verdict")
}

func TestEngine_MalformedLineSkipped(t *testing.T) {
	client := &fakeClient{streams: []string{ndjson(
		`{"action":{"action":"add","unit_id":"u1","content":"before"}}`,
		`{this is not json}`,
		`{"action":{"action":"add","unit_id":"u2","content":"after"}}`,
	)}}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err, "a garbled line is skipped, not fatal")

	_, ok := h.content.Unit("u1")
	assert.True(t, ok)
	_, ok = h.content.Unit("u2")
	assert.True(t, ok, "lines after the garbled one still dispatch")

	streams, feedbacks := client.calls()
	assert.Equal(t, 1, streams)
	assert.Equal(t, 1, feedbacks)
}

func TestEngine_TruncatedStreamFails(t *testing.T) {
	// The final line is cut off mid-object with no trailing newline.
	body := `{"action":{"action":"add","unit_id":"u1"}}` + "\n" + `{"action":{"action":"ad`
	client := &fakeClient{streams: []string{body}}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.Error(t, err)

	var perr *schema.PlanlineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeParse, perr.Code)
	assert.Equal(t, true, perr.Details["truncated"])
	assert.Equal(t, schema.StepStatusFailed, h.engine.Status())
}

func TestEngine_SupersessionIgnoresLateChunks(t *testing.T) {
	chunks := make(chan string, 1)
	client := &fakeClient{
		bodies:  []io.ReadCloser{&scriptedBody{chunks: chunks}},
		streams: []string{ndjson(`{"action":{"action":"add","unit_id":"fresh"}}`)},
	}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	first := h.engine.LoadStep(context.Background(), "a", 0)
	time.Sleep(20 * time.Millisecond) // first run is blocked reading its stream

	second := h.engine.LoadStep(context.Background(), "a", 1)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, second.Wait(waitCtx))

	// The old stream's line arrives only now, well after the supersession.
	chunks <- ndjson(`{"action":{"action":"add","unit_id":"stale-late"}}`)
	close(chunks)
	require.NoError(t, first.Wait(waitCtx))

	_, ok := h.content.Unit("stale-late")
	assert.False(t, ok, "lines delivered after supersession never dispatch")
	_, ok = h.content.Unit("fresh")
	assert.True(t, ok)
}

func TestEngine_AutoAdvanceAcrossStages(t *testing.T) {
	client := &fakeClient{streams: []string{
		ndjson(`{"action":{"action":"add","unit_id":"a1-out"}}`),
		ndjson(`{"action":{"action":"add","unit_id":"b1-out"}}`),
	}}
	h := newHarnessWithTemplate(t, client, Config{MaxAttempts: 10, AutoAdvance: true, SettleDelay: time.Millisecond},
		&schema.WorkflowTemplate{
			ID: "plan-2",
			Stages: []schema.Stage{
				{ID: "a", Steps: []schema.Step{{ID: "a1", StepID: "a1"}}},
				{ID: "b", Steps: []schema.Step{{ID: "b1", StepID: "b1"}}},
			},
		})

	ctx := context.Background()
	events, unsubscribe, err := h.hub.Subscribe(ctx, streaming.Filter{
		Types: []string{schema.EventPlanCompleted},
	})
	require.NoError(t, err)
	defer unsubscribe()

	h.engine.LoadStep(ctx, "a", 0)

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the plan to complete")
	}

	assert.True(t, h.workflow.IsStageCompleted("a"), "a finished last step closes its stage")
	assert.True(t, h.workflow.IsStageCompleted("b"))
	assert.Equal(t, "b", h.workflow.Position().CurrentStageID)
	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())

	_, ok := h.content.Unit("b1-out")
	assert.True(t, ok)
}

func TestEngine_AutoAdvanceResumesAfterReject(t *testing.T) {
	client := &fakeClient{streams: []string{
		ndjson(`{"action":{"action":"update_stage_steps","stage_id":"a","updated_steps":[{"id":"a1","step_id":"a1"},{"id":"a9","step_id":"a9"}],"next_step_id":"a9"}}`),
		ndjson(`{"action":{"action":"add","unit_id":"a2-out"}}`),
	}}
	h := newHarness(t, client, Config{MaxAttempts: 10, AutoAdvance: true, SettleDelay: time.Millisecond})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)
	require.True(t, h.dispatcher.UpdatePending())

	require.NoError(t, h.dispatcher.Confirm(context.Background(), false))

	require.Eventually(t, func() bool {
		return h.workflow.Position().CurrentStepID == "a2" &&
			h.engine.Status() == schema.StepStatusCompleted
	}, 5*time.Second, 10*time.Millisecond, "rejecting the update resumes progression")

	assert.False(t, h.dispatcher.UpdatePending())
	_, ok := h.content.Unit("a2-out")
	assert.True(t, ok)
}

func TestEngine_AutoAdvanceResumesAfterAccept(t *testing.T) {
	client := &fakeClient{streams: []string{
		ndjson(`{"action":{"action":"update_workflow","updated_workflow":{"id":"plan-2","stages":[{"id":"z","steps":[{"step_id":"z1"}]}]}}}`),
		ndjson(`{"action":{"action":"add","unit_id":"z1-out"}}`),
	}}
	h := newHarness(t, client, Config{MaxAttempts: 10, AutoAdvance: true, SettleDelay: time.Millisecond})

	err := h.engine.LoadStep(context.Background(), "a", 0).Wait(context.Background())
	require.NoError(t, err)
	require.True(t, h.dispatcher.UpdatePending())

	require.NoError(t, h.dispatcher.Confirm(context.Background(), true))

	require.Eventually(t, func() bool {
		return h.workflow.Position().CurrentStageID == "z" &&
			h.engine.Status() == schema.StepStatusCompleted
	}, 5*time.Second, 10*time.Millisecond, "accepting a replacement runs the new plan's first step")

	assert.Equal(t, "plan-2", h.workflow.Template().ID)
	_, ok := h.content.Unit("z1-out")
	assert.True(t, ok)
}

func TestEngine_StreamCompletedResetBetweenRetries(t *testing.T) {
	chunks := make(chan string)
	client := &fakeClient{
		bodies: []io.ReadCloser{
			io.NopCloser(strings.NewReader(ndjson(`{"action":{"action":"add","unit_id":"u1"}}`))),
			&scriptedBody{chunks: chunks},
		},
		feedbacks: []bool{false, true},
	}
	h := newHarness(t, client, Config{MaxAttempts: 10})

	run := h.engine.LoadStep(context.Background(), "a", 0)

	require.Eventually(t, func() bool {
		streams, _ := client.calls()
		return streams == 2
	}, 5*time.Second, time.Millisecond)
	assert.False(t, h.engine.StreamCompleted(), "the flag tracks the current attempt's stream")

	chunks <- ndjson(`{"action":{"action":"add","unit_id":"u2"}}`)
	close(chunks)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(waitCtx))
	assert.True(t, h.engine.StreamCompleted())
}

func TestEngine_UnknownStageKeepsCurrentPosition(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, Config{})

	err := h.engine.LoadStep(context.Background(), "ghost-stage", 0).Wait(context.Background())
	require.NoError(t, err, "unknown stage transitions are ignored, the current step runs")
	assert.Equal(t, "a", h.workflow.Position().CurrentStageID)
	assert.Equal(t, schema.StepStatusCompleted, h.engine.Status())
}
