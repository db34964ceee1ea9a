package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackloop/feedbackloop/internal/types"
)

func TestEncodeSSEWireFormat(t *testing.T) {
	event := &PipelineEvent{
		ID:             "ev-1",
		RunID:          "run-1",
		Type:           EventTypeStageProgress,
		Stage:          types.StageEnrichment,
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SequenceNumber: 7,
		Severity:       SeverityInfo,
		Payload:        toPayload(StageProgressData{Progress: 0.25, ItemsDone: 5, ItemsTotal: 20}),
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeSSE(&buf, event))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "data: "), "frame must start with the data field")
	assert.True(t, strings.HasSuffix(out, "\n\n"), "frame must end with a blank line")

	// The payload between prefix and terminator is the event JSON.
	raw := strings.TrimSuffix(strings.TrimPrefix(out, "data: "), "\n\n")
	var decoded PipelineEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.RunID, decoded.RunID)
	assert.Equal(t, uint64(7), decoded.SequenceNumber)
}

func TestEventJSONFieldNames(t *testing.T) {
	event := NewStageProgressEvent("run-9", types.StageScoring, StageProgressData{Progress: 0.5, ItemsDone: 1, ItemsTotal: 2, ItemID: "item-1"})
	event.SequenceNumber = 3

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "run-9", m["pipelineId"])
	assert.Equal(t, float64(3), m["sequenceNumber"])

	payload, ok := m["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.5, payload["progress"])
	assert.Equal(t, "item-1", payload["itemId"])
}

func TestStageProgressAccessor(t *testing.T) {
	t.Run("round trips typed data", func(t *testing.T) {
		event := NewStageProgressEvent("run-1", types.StageEnrichment, StageProgressData{Progress: 0.4, ItemsDone: 2, ItemsTotal: 5, ItemID: "item-2"})
		data, err := event.StageProgress()
		require.NoError(t, err)
		assert.Equal(t, 0.4, data.Progress)
		assert.Equal(t, 2, data.ItemsDone)
		assert.Equal(t, 5, data.ItemsTotal)
		assert.Equal(t, "item-2", data.ItemID)
	})

	t.Run("rejects other event types", func(t *testing.T) {
		event := NewPipelineStartedEvent("run-1", 3)
		_, err := event.StageProgress()
		assert.Error(t, err)
	})
}
