package schema

// Event type constants for the execution event bus and the audit log.
const (
	EventPlanInitialized = "plan_initialized"
	EventPlanReplaced    = "plan_replaced"
	EventStageSteps      = "stage_steps_patched"
	EventPlanCompleted   = "plan_completed"

	EventStepStarted   = "step_started"
	EventStepStreaming = "step_streaming"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepSkipped   = "step_skipped"
	EventStepAborted   = "step_aborted"

	EventStageCompleted = "stage_completed"

	EventUpdatePending  = "workflow_update_pending"
	EventUpdateAccepted = "workflow_update_accepted"
	EventUpdateRejected = "workflow_update_rejected"

	EventContextCheckpoint = "context_checkpoint"
)

// StepStatus represents the lifecycle state of the active step's
// request/response cycle.
type StepStatus string

const (
	StepStatusIdle       StepStatus = "idle"
	StepStatusRequesting StepStatus = "requesting"
	StepStatusStreaming  StepStatus = "streaming"
	StepStatusDraining   StepStatus = "draining"
	StepStatusFeedback   StepStatus = "feedback"
	StepStatusRetrying   StepStatus = "retrying"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)
