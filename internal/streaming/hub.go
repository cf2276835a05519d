package streaming

import (
	"context"
	"time"
)

// Event is a real-time notification emitted while a plan executes. UIs
// subscribe to drive status badges, progress bars, and confirmation prompts.
type Event struct {
	PlanID    string    `json:"plan_id"`
	StageID   string    `json:"stage_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepEvent builds an event positioned at a specific step of a plan.
func StepEvent(planID, stageID, stepID, eventType string, payload any) Event {
	return Event{
		PlanID:  planID,
		StageID: stageID,
		StepID:  stepID,
		Type:    eventType,
		Payload: payload,
	}
}

// PlanEvent builds a plan-scoped event with no step position.
func PlanEvent(planID, eventType string, payload any) Event {
	return Event{PlanID: planID, Type: eventType, Payload: payload}
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	PlanID string   `json:"plan_id,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// matches reports whether an event passes the filter. Zero-valued fields
// match everything.
func (f Filter) matches(e Event) bool {
	if f.PlanID != "" && f.PlanID != e.PlanID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for plan execution events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
