package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/planline/planline/internal/checkpoint"
	"github.com/planline/planline/internal/dispatch"
	"github.com/planline/planline/internal/engine"
	"github.com/planline/planline/internal/expressions"
	"github.com/planline/planline/internal/logging"
	"github.com/planline/planline/internal/notebook"
	"github.com/planline/planline/internal/planner"
	"github.com/planline/planline/internal/planning"
	"github.com/planline/planline/internal/queue"
	"github.com/planline/planline/internal/store"
	"github.com/planline/planline/internal/streaming"
	"github.com/planline/planline/internal/validation"
	"github.com/planline/planline/internal/workflow"
	"github.com/planline/planline/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "planline:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: planline <plan.json>")
	}

	cfg := loadConfig()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	tpl, err := loadTemplate(os.Args[1])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	audit, err := store.NewAuditStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer audit.Close()
	if err := audit.Migrate(ctx); err != nil {
		return err
	}

	// Core state.
	wfStore := workflow.NewStore(log)
	pcStore := planning.NewContextStore()
	hub := streaming.NewMemoryHub()

	validator, err := validation.NewTemplateValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateTemplate(tpl); err != nil {
		return err
	}
	installed, err := wfStore.InitializeWorkflow(workflow.InitRequest{Template: tpl})
	if err != nil {
		return err
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	// Collaborators.
	content := notebook.NewMemoryStore()
	runner := notebook.NewEchoRunner(content)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Workflow:  wfStore,
		Planning:  pcStore,
		Content:   content,
		Runner:    runner,
		Validator: validator,
		JQ:        expressions.NewGoJQEngine(),
		Hub:       hub,
		Logger:    log,
	})

	// Headless runs have no user to approve workflow updates, so staged
	// updates are resolved by policy; a stuck pending update would suspend
	// auto-advance for the rest of the run.
	updates, stopUpdates, err := hub.Subscribe(ctx, streaming.Filter{
		Types: []string{schema.EventUpdatePending},
	})
	if err != nil {
		return err
	}
	defer stopUpdates()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				log.InfoContext(ctx, "resolving workflow update", "accept", cfg.AcceptUpdates)
				if err := dispatcher.Confirm(ctx, cfg.AcceptUpdates); err != nil {
					log.WarnContext(ctx, "workflow update confirm failed", "error", err)
				}
			}
		}
	}()

	client, err := planner.NewHTTPClient(planner.HTTPConfig{BaseURL: cfg.BackendURL}, log)
	if err != nil {
		return err
	}

	eng := engine.New(client, queue.New(), dispatcher, wfStore, pcStore, celEngine, hub, log, engine.Config{
		MaxAttempts: cfg.MaxAttempts,
		SettleDelay: time.Duration(cfg.SettleDelayMs) * time.Millisecond,
		AutoAdvance: cfg.AutoAdvance,
	})

	// Audit trail.
	runID := uuid.NewString()
	if err := audit.StartRun(ctx, runID, installed.ID, installed.Name); err != nil {
		log.Warn("audit run record failed", "error", err)
	}
	go func() {
		if err := audit.Tail(ctx, hub, runID, log); err != nil {
			log.Warn("audit tail stopped", "error", err)
		}
	}()

	saver, err := checkpoint.NewSaver(audit, pcStore, hub, runID, cfg.CheckpointCron, log)
	if err != nil {
		return err
	}
	if err := saver.Start(ctx); err != nil {
		return err
	}
	defer saver.Stop()

	// Run the plan from its first step.
	ctx = logging.WithPlanID(ctx, installed.ID)
	if err := hub.Publish(ctx, streaming.PlanEvent(installed.ID, schema.EventPlanInitialized, nil)); err != nil {
		log.Warn("event publish failed", "error", err)
	}
	log.InfoContext(ctx, "plan loaded", "name", installed.Name, "stages", len(installed.Stages))

	// Steps chain through auto-advance, so completion of the first run only
	// means the first step finished. The terminal events tell the real end.
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.Filter{
		Types: []string{schema.EventPlanCompleted, schema.EventStepFailed},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	eng.Start(ctx)

	outcome := "completed"
	var runErr error
waitLoop:
	for {
		select {
		case <-ctx.Done():
			outcome = "aborted"
			break waitLoop
		case ev := <-events:
			if ev.Type == schema.EventPlanCompleted {
				break waitLoop
			}
			outcome = "failed"
			if f := eng.Failure(); f != nil {
				runErr = fmt.Errorf("step %v failed: %s", ev.StepID, f.Message)
			} else {
				runErr = fmt.Errorf("step %v failed", ev.StepID)
			}
			break waitLoop
		}
	}
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := audit.FinishRun(finishCtx, runID, outcome); err != nil {
		log.Warn("audit run finish failed", "error", err)
	}

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadTemplate(path string) (*schema.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var tpl schema.WorkflowTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &tpl, nil
}
