package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feedbackloop/feedbackloop/internal/types"
)

// EventType represents the type of event emitted during a pipeline run.
type EventType string

const (
	// EventTypePipelineStarted indicates a run was created and validated
	EventTypePipelineStarted EventType = "pipeline_started"
	// EventTypeStageStarted indicates a stage began processing its batch
	EventTypeStageStarted EventType = "stage_started"
	// EventTypeStageProgress indicates item-level progress within a stage
	EventTypeStageProgress EventType = "stage_progress"
	// EventTypeStageComplete indicates a stage reached its terminal state
	EventTypeStageComplete EventType = "stage_complete"
	// EventTypePipelineComplete indicates the run completed successfully
	EventTypePipelineComplete EventType = "pipeline_complete"
	// EventTypePipelineFailed indicates the run failed or was cancelled
	EventTypePipelineFailed EventType = "pipeline_failed"
	// EventTypeWarning indicates a non-fatal anomaly (e.g. dropped singletons)
	EventTypeWarning EventType = "warning"
	// EventTypeError indicates an item-level error was recorded
	EventTypeError EventType = "error"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
)

// PipelineEvent is one entry in a run's append-only event sequence.
// SequenceNumber is strictly increasing per run and is the sole ordering
// guarantee consumers may rely on; timestamps are informative only.
type PipelineEvent struct {
	// ID uniquely identifies this event
	ID string `json:"id"`
	// RunID is the pipeline run this event belongs to
	RunID string `json:"pipelineId"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Stage is the stage the event relates to (empty for run-level events)
	Stage types.Stage `json:"stage,omitempty"`
	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`
	// SequenceNumber orders events within the run, assigned by the bus
	SequenceNumber uint64 `json:"sequenceNumber"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message,omitempty"`
	// Payload contains structured, type-specific data
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// StageProgressData is the payload for stage_progress events.
type StageProgressData struct {
	// Progress is the run-level progress in [0.0, 1.0]
	Progress float64 `json:"progress"`
	// ItemsDone is the number of items with a terminal outcome in this stage
	ItemsDone int `json:"itemsDone"`
	// ItemsTotal is the number of items in this stage's batch
	ItemsTotal int `json:"itemsTotal"`
	// ItemID is the item whose outcome produced this event, if any
	ItemID string `json:"itemId,omitempty"`
}

// StageCompleteData is the payload for stage_complete events.
type StageCompleteData struct {
	// Succeeded is the number of items the stage processed successfully
	Succeeded int `json:"succeeded"`
	// Failed is the number of items that failed in the stage
	Failed int `json:"failed"`
	// DurationMs is how long the stage took in milliseconds
	DurationMs int64 `json:"duration_ms"`
}

// PipelineFailedData is the payload for pipeline_failed events.
type PipelineFailedData struct {
	// Stage is the stage the run failed in (empty for config failures)
	Stage types.Stage `json:"stage,omitempty"`
	// Reason is the human-readable failure reason
	Reason string `json:"reason"`
	// Recoverable indicates whether the failure could succeed on retry.
	// Cancellations are always non-recoverable.
	Recoverable bool `json:"recoverable"`
}

// PipelineCompleteData is the payload for pipeline_complete events.
type PipelineCompleteData struct {
	// InsightCount is the number of scored insights produced
	InsightCount int `json:"insight_count"`
	// DurationMs is the end-to-end run duration in milliseconds
	DurationMs int64 `json:"duration_ms"`
}

// toPayload converts a typed payload struct to the generic payload map.
func toPayload(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"marshal_error": err.Error()}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"marshal_error": err.Error()}
	}
	return m
}

// StageProgress extracts the typed progress payload from an event.
// Returns an error if the event is not a stage_progress event.
func (e *PipelineEvent) StageProgress() (*StageProgressData, error) {
	if e.Type != EventTypeStageProgress {
		return nil, fmt.Errorf("event type is %s, not %s", e.Type, EventTypeStageProgress)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var data StageProgressData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing stage_progress payload: %w", err)
	}
	return &data, nil
}

// Emitter is the sink stage executors emit through. Implemented by Bus;
// tests substitute in-memory recorders.
type Emitter interface {
	// Emit queues an event for sequencing and persistence. The bus assigns
	// SequenceNumber; callers must not set it.
	Emit(event *PipelineEvent)
}

// Store is the subset of the run store the bus needs: append-only event
// persistence.
type Store interface {
	AppendEvent(ctx context.Context, event *PipelineEvent) error
}
