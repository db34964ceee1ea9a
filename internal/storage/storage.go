// Package storage defines the run store contract: persistence of run
// metadata and the append-only event sequence.
package storage

import (
	"context"
	"errors"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// ErrRunNotFound is returned when a run ID does not exist in the store.
var ErrRunNotFound = errors.New("run not found")

// RunPatch is a partial update of a run's mutable fields. Nil fields are
// left unchanged.
type RunPatch struct {
	Status       *types.RunStatus
	StageErrors  []types.StageErrorEntry
	CompletedAt  *bool // true = stamp completion time now
	OutputCount  *int
	ErrorStage   *types.Stage
	ErrorMessage *string
}

// RunStore persists pipeline runs and their event sequences. The
// orchestrator is the only writer of runs; the event bus is the only
// writer of events.
type RunStore interface {
	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, run *types.PipelineRun) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*types.PipelineRun, error)

	// UpdateRun applies a partial update to a run.
	UpdateRun(ctx context.Context, runID string, patch RunPatch) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*types.PipelineRun, error)

	// AppendEvent appends one event to a run's sequence.
	AppendEvent(ctx context.Context, event *events.PipelineEvent) error

	// GetEvents returns a run's events ordered by sequence number.
	GetEvents(ctx context.Context, runID string) ([]*events.PipelineEvent, error)

	// GetEventsAfter returns a run's events with sequence number greater
	// than afterSeq, ordered by sequence number. Used by replay/follow.
	GetEventsAfter(ctx context.Context, runID string, afterSeq uint64) ([]*events.PipelineEvent, error)

	// Close releases the store's resources.
	Close() error
}
