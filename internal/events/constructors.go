package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/feedbackloop/feedbackloop/internal/types"
)

// NewPipelineStartedEvent creates the first event of a run.
func NewPipelineStartedEvent(runID string, inputCount int) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypePipelineStarted,
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
		Message:   "pipeline started",
		Payload:   map[string]interface{}{"input_count": inputCount},
	}
}

// NewStageStartedEvent creates a stage_started event.
func NewStageStartedEvent(runID string, stage types.Stage, itemsTotal int) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypeStageStarted,
		Stage:     stage,
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
		Message:   "stage started",
		Payload:   map[string]interface{}{"itemsTotal": itemsTotal},
	}
}

// NewStageProgressEvent creates a stage_progress event with typed data.
func NewStageProgressEvent(runID string, stage types.Stage, data StageProgressData) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypeStageProgress,
		Stage:     stage,
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
		Payload:   toPayload(data),
	}
}

// NewStageCompleteEvent creates a stage_complete event with typed data.
func NewStageCompleteEvent(runID string, stage types.Stage, data StageCompleteData) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypeStageComplete,
		Stage:     stage,
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
		Message:   "stage complete",
		Payload:   toPayload(data),
	}
}

// NewPipelineCompleteEvent creates the terminal event of a successful run.
func NewPipelineCompleteEvent(runID string, data PipelineCompleteData) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypePipelineComplete,
		Timestamp: time.Now(),
		Severity:  SeverityInfo,
		Message:   "pipeline complete",
		Payload:   toPayload(data),
	}
}

// NewPipelineFailedEvent creates the terminal event of a failed or cancelled
// run.
func NewPipelineFailedEvent(runID string, data PipelineFailedData) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypePipelineFailed,
		Stage:     data.Stage,
		Timestamp: time.Now(),
		Severity:  SeverityError,
		Message:   data.Reason,
		Payload:   toPayload(data),
	}
}

// NewWarningEvent creates a warning event (non-fatal anomalies).
func NewWarningEvent(runID string, stage types.Stage, message string, payload map[string]interface{}) *PipelineEvent {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypeWarning,
		Stage:     stage,
		Timestamp: time.Now(),
		Severity:  SeverityWarning,
		Message:   message,
		Payload:   payload,
	}
}

// NewErrorEvent creates an error event for a recorded item failure.
func NewErrorEvent(runID string, stage types.Stage, itemErr *types.ItemError) *PipelineEvent {
	return &PipelineEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      EventTypeError,
		Stage:     stage,
		Timestamp: time.Now(),
		Severity:  SeverityError,
		Message:   itemErr.Reason,
		Payload: map[string]interface{}{
			"item_id":   itemErr.ItemID,
			"retriable": itemErr.Retriable,
		},
	}
}
