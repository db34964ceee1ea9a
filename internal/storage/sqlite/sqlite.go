// Package sqlite implements the run store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	stage_errors   TEXT NOT NULL DEFAULT '[]',
	started_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	input_count    INTEGER NOT NULL,
	output_count   INTEGER,
	error_stage    TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_events (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	type            TEXT NOT NULL,
	stage           TEXT NOT NULL DEFAULT '',
	timestamp       TIMESTAMP NOT NULL,
	sequence_number INTEGER NOT NULL,
	severity        TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_seq ON run_events(run_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Store is the SQLite-backed run store.
type Store struct {
	db *sql.DB
}

var _ storage.RunStore = (*Store)(nil)

// New opens (creating if needed) the run store at path. WAL mode keeps
// concurrent readers (tail) from blocking the writer.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close implements storage.RunStore.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun implements storage.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	stageErrors, err := json.Marshal(run.StageErrors)
	if err != nil {
		return fmt.Errorf("marshaling stage errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, stage_errors, started_at, input_count, error_stage, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), string(stageErrors), run.StartedAt, run.InputCount,
		string(run.ErrorStage), run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun implements storage.RunStore.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, stage_errors, started_at, completed_at, input_count, output_count, error_stage, error_message
		FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// ListRuns implements storage.RunStore.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*types.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, stage_errors, started_at, completed_at, input_count, output_count, error_stage, error_message
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*types.PipelineRun, error) {
	var run types.PipelineRun
	var status, stageErrors, errorStage string
	var completedAt sql.NullTime
	var outputCount sql.NullInt64

	err := row.Scan(&run.ID, &status, &stageErrors, &run.StartedAt, &completedAt,
		&run.InputCount, &outputCount, &errorStage, &run.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, storage.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	run.Status = types.RunStatus(status)
	run.ErrorStage = types.Stage(errorStage)
	if err := json.Unmarshal([]byte(stageErrors), &run.StageErrors); err != nil {
		return nil, fmt.Errorf("parsing stage errors for run %s: %w", run.ID, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if outputCount.Valid {
		n := int(outputCount.Int64)
		run.OutputCount = &n
	}
	return &run, nil
}

// UpdateRun implements storage.RunStore.
func (s *Store) UpdateRun(ctx context.Context, runID string, patch storage.RunPatch) error {
	sets := []string{}
	args := []interface{}{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.StageErrors != nil {
		raw, err := json.Marshal(patch.StageErrors)
		if err != nil {
			return fmt.Errorf("marshaling stage errors: %w", err)
		}
		sets = append(sets, "stage_errors = ?")
		args = append(args, string(raw))
	}
	if patch.CompletedAt != nil && *patch.CompletedAt {
		sets = append(sets, "completed_at = ?")
		args = append(args, time.Now())
	}
	if patch.OutputCount != nil {
		sets = append(sets, "output_count = ?")
		args = append(args, *patch.OutputCount)
	}
	if patch.ErrorStage != nil {
		sets = append(sets, "error_stage = ?")
		args = append(args, string(*patch.ErrorStage))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, runID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of run %s: %w", runID, err)
	}
	if affected == 0 {
		return storage.ErrRunNotFound
	}
	return nil
}

// AppendEvent implements storage.RunStore.
func (s *Store) AppendEvent(ctx context.Context, event *events.PipelineEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (id, run_id, type, stage, timestamp, sequence_number, severity, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, string(event.Type), string(event.Stage), event.Timestamp,
		event.SequenceNumber, string(event.Severity), event.Message, string(payload))
	if err != nil {
		return fmt.Errorf("appending event %d for run %s: %w", event.SequenceNumber, event.RunID, err)
	}
	return nil
}

// GetEvents implements storage.RunStore.
func (s *Store) GetEvents(ctx context.Context, runID string) ([]*events.PipelineEvent, error) {
	return s.GetEventsAfter(ctx, runID, 0)
}

// GetEventsAfter implements storage.RunStore.
func (s *Store) GetEventsAfter(ctx context.Context, runID string, afterSeq uint64) ([]*events.PipelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, stage, timestamp, sequence_number, severity, message, payload
		FROM run_events WHERE run_id = ? AND sequence_number > ?
		ORDER BY sequence_number`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var result []*events.PipelineEvent
	for rows.Next() {
		var ev events.PipelineEvent
		var typ, stg, severity, payload string
		if err := rows.Scan(&ev.ID, &ev.RunID, &typ, &stg, &ev.Timestamp,
			&ev.SequenceNumber, &severity, &ev.Message, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Type = events.EventType(typ)
		ev.Stage = types.Stage(stg)
		ev.Severity = events.EventSeverity(severity)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("parsing payload for event %s: %w", ev.ID, err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}
