package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/planline/planline/internal/planning"
	"github.com/planline/planline/internal/store"
	"github.com/planline/planline/internal/streaming"
	"github.com/planline/planline/pkg/schema"
)

// Saver periodically persists planning-context snapshots on a cron schedule.
// A checkpoint is written only when the context changed since the last one.
type Saver struct {
	store    *store.AuditStore
	planning *planning.ContextStore
	hub      streaming.EventHub
	runID    string
	schedule cron.Schedule
	logger   *slog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastVersion uint64
}

// NewSaver creates a Saver. spec is a standard five-field cron expression,
// e.g. "*/5 * * * *" for every five minutes.
func NewSaver(st *store.AuditStore, pc *planning.ContextStore, hub streaming.EventHub,
	runID, spec string, logger *slog.Logger) (*Saver, error) {

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid checkpoint schedule %q", spec).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{
		store:    st,
		planning: pc,
		hub:      hub,
		runID:    runID,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start launches the background checkpoint loop.
func (s *Saver) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint saver already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("checkpoint saver started", "run_id", s.runID)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Saver) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Saver) loop(ctx context.Context) {
	defer close(s.done)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.checkpoint(ctx)
		}
	}
}

// checkpoint writes a snapshot when the context moved since the last write.
func (s *Saver) checkpoint(ctx context.Context) {
	version := s.planning.Version()

	s.mu.Lock()
	if version == s.lastVersion {
		s.mu.Unlock()
		return
	}
	s.lastVersion = version
	s.mu.Unlock()

	state := s.planning.Snapshot()
	if err := s.store.SaveCheckpoint(ctx, s.runID, version, state); err != nil {
		s.logger.WarnContext(ctx, "checkpoint write failed", "run_id", s.runID, "error", err)
		return
	}

	if s.hub != nil {
		_ = s.hub.Publish(ctx, streaming.Event{
			Type:    schema.EventContextCheckpoint,
			Payload: map[string]any{"run_id": s.runID, "version": version},
		})
	}
	s.logger.DebugContext(ctx, "context checkpoint written", "run_id", s.runID, "version", version)
}
