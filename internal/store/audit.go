package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/planline/planline/pkg/schema"
)

// Event is one persisted execution event.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	PlanID    string    `json:"plan_id,omitempty"`
	StageID   string    `json:"stage_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is one persisted planning-context snapshot.
type Checkpoint struct {
	ID        int64                `json:"id"`
	RunID     string               `json:"run_id"`
	Version   uint64               `json:"version"`
	State     schema.PlanningState `json:"state"`
	CreatedAt time.Time            `json:"created_at"`
}

// AuditStore persists the execution history of plan runs: events, step and
// stage results, and periodic planning-context checkpoints. Writes are
// best-effort for callers; a lost audit row never fails a step.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &AuditStore{db: db}, nil
}

// Close closes the database.
func (s *AuditStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *AuditStore) Migrate(ctx context.Context) error {
	return applySchema(ctx, s.db)
}

// StartRun records the beginning of a plan run.
func (s *AuditStore) StartRun(ctx context.Context, runID, planID, planName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_id, plan_name, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET plan_id=excluded.plan_id, plan_name=excluded.plan_name`,
		runID, planID, planName, time.Now().UTC(),
	)
	if err != nil {
		return storeError("start run", err)
	}
	return nil
}

// FinishRun stamps a run's terminal outcome.
func (s *AuditStore) FinishRun(ctx context.Context, runID, outcome string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ? WHERE id = ?`,
		time.Now().UTC(), outcome, runID,
	)
	if err != nil {
		return storeError("finish run", err)
	}
	return checkRowsAffected(res, "run", runID)
}

// SaveStepResult upserts the result record for one step of a run.
func (s *AuditStore) SaveStepResult(ctx context.Context, runID string, r schema.StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, step_id, stage_id, summary, attempts, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET
		   summary=excluded.summary, attempts=excluded.attempts,
		   duration_ms=excluded.duration_ms, recorded_at=excluded.recorded_at`,
		runID, r.StepID, r.StageID, r.Summary, r.Attempts, r.DurationMs, time.Now().UTC(),
	)
	if err != nil {
		return storeError("save step result", err)
	}
	return nil
}

// SaveStageResult upserts the summary record for one stage of a run.
func (s *AuditStore) SaveStageResult(ctx context.Context, runID string, r schema.StageResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (run_id, stage_id, summary, recorded_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, stage_id) DO UPDATE SET
		   summary=excluded.summary, recorded_at=excluded.recorded_at`,
		runID, r.StageID, r.Summary, time.Now().UTC(),
	)
	if err != nil {
		return storeError("save stage result", err)
	}
	return nil
}

// AppendEvent persists one execution event.
func (s *AuditStore) AppendEvent(ctx context.Context, ev Event) error {
	payload, err := nullableJSON(ev.Payload)
	if err != nil {
		return storeError("marshal event payload", err)
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, plan_id, stage_id, step_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.PlanID, ev.StageID, ev.StepID, ev.Type, payload, ts,
	)
	if err != nil {
		return storeError("append event", err)
	}
	return nil
}

// ListEvents returns a run's events in append order, newest capped at limit.
func (s *AuditStore) ListEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, plan_id, stage_id, step_id, type, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY id ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, storeError("list events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var planID, stageID, stepID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &planID, &stageID, &stepID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, storeError("scan event", err)
		}
		ev.PlanID = planID.String
		ev.StageID = stageID.String
		ev.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			var p any
			if err := json.Unmarshal([]byte(payload.String), &p); err == nil {
				ev.Payload = p
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveCheckpoint persists a planning-context snapshot.
func (s *AuditStore) SaveCheckpoint(ctx context.Context, runID string, version uint64, state *schema.PlanningState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return storeError("marshal checkpoint state", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_checkpoints (run_id, version, state, created_at) VALUES (?, ?, ?, ?)`,
		runID, version, string(data), time.Now().UTC(),
	)
	if err != nil {
		return storeError("save checkpoint", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for a run.
func (s *AuditStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, version, state, created_at FROM context_checkpoints
		 WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&cp.ID, &cp.RunID, &cp.Version, &state, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for run %q", runID)
	}
	if err != nil {
		return nil, storeError("load checkpoint", err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, storeError("decode checkpoint state", err)
	}
	cp.State.Normalize()
	return cp, nil
}

// --- helpers ---

func storeError(op string, err error) *schema.PlanlineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
	}
	return nil
}

func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
