package events

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeSSE writes an event in server-sent-events wire format: one JSON
// object prefixed "data: " and terminated by a blank line.
func EncodeSSE(w io.Writer, event *PipelineEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", event.ID, err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return fmt.Errorf("writing SSE frame: %w", err)
	}
	return nil
}
