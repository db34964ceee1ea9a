package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON decodes a capability response into T. Models frequently wrap
// JSON in markdown code fences or surround it with prose, so parsing tries
// progressively more forgiving strategies before giving up.
func ParseJSON[T any](text string) (*T, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	var result T
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
		return &result, nil
	}

	unfenced := stripCodeFences(trimmed)
	if err := json.Unmarshal([]byte(unfenced), &result); err == nil {
		return &result, nil
	}

	if extracted := extractJSONObject(unfenced); extracted != "" {
		if err := json.Unmarshal([]byte(extracted), &result); err == nil {
			return &result, nil
		}
	}

	preview := trimmed
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return nil, fmt.Errorf("response is not valid JSON: %q", preview)
}

// stripCodeFences removes a leading ```json (or bare ```) fence and the
// matching closing fence.
func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractJSONObject pulls the outermost {...} span out of mixed content.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
