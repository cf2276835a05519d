package store

import (
	"context"
	"log/slog"

	"github.com/planline/planline/internal/streaming"
	"github.com/planline/planline/pkg/schema"
)

// Tail subscribes to the event hub and persists every event for the given
// run. Step and stage completion events additionally update the result
// tables. Persistence is best-effort: failures are logged, never propagated
// into the execution path. Tail returns when ctx is done.
func (s *AuditStore) Tail(ctx context.Context, hub streaming.EventHub, runID string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.persist(ctx, runID, ev, log)
		}
	}
}

func (s *AuditStore) persist(ctx context.Context, runID string, ev streaming.Event, log *slog.Logger) {
	rec := Event{
		RunID:     runID,
		PlanID:    ev.PlanID,
		StageID:   ev.StageID,
		StepID:    ev.StepID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		CreatedAt: ev.Timestamp,
	}
	if err := s.AppendEvent(ctx, rec); err != nil {
		log.WarnContext(ctx, "audit event write failed", "type", ev.Type, "error", err)
	}

	payload, _ := ev.Payload.(map[string]any)
	switch ev.Type {
	case schema.EventStepCompleted:
		r := schema.StepResult{StepID: ev.StepID, StageID: ev.StageID}
		if payload != nil {
			if v, ok := payload["stage_id"].(string); ok && v != "" {
				r.StageID = v
			}
			if v, ok := payload["attempts"].(int); ok {
				r.Attempts = v
			}
			if v, ok := payload["duration_ms"].(int64); ok {
				r.DurationMs = v
			}
		}
		if err := s.SaveStepResult(ctx, runID, r); err != nil {
			log.WarnContext(ctx, "audit step result write failed", "step_id", ev.StepID, "error", err)
		}
	case schema.EventStageCompleted:
		r := schema.StageResult{StageID: ev.StageID}
		if payload != nil {
			if v, ok := payload["stage_id"].(string); ok && v != "" {
				r.StageID = v
			}
		}
		if err := s.SaveStageResult(ctx, runID, r); err != nil {
			log.WarnContext(ctx, "audit stage result write failed", "stage_id", r.StageID, "error", err)
		}
	}
}
