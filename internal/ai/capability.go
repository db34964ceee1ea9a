// Package ai provides the pipeline's AI analysis capability: an interface
// over an external model API with timeout, retry, global concurrency and
// rate limiting, plus a deterministic mock for tests and dry runs.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// Request is one prompt sent to the analysis capability.
type Request struct {
	// Operation names the analysis being performed (enrichment, insight, ...)
	Operation string
	// ItemID identifies the item or cluster the request is for
	ItemID string
	// Prompt is the full prompt text
	Prompt string
	// MaxTokens caps the response length (0 = capability default)
	MaxTokens int
}

// Response is the capability's structured reply.
type Response struct {
	// Text is the raw response text (expected to contain JSON)
	Text string
	// InputTokens and OutputTokens report usage when the backend provides it
	InputTokens  int64
	OutputTokens int64
}

// Capability is the external AI analysis dependency. Implementations must
// honor ctx cancellation and classify failures via CapabilityError.
type Capability interface {
	// Invoke sends one request and returns the structured response.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// CapabilityError classifies a capability failure. Structural failures
// (auth, service unavailable) abort the whole stage; item-scoped failures
// are recorded and never fatal alone.
type CapabilityError struct {
	// Operation is the analysis operation that failed
	Operation string
	// Retriable indicates the failure is transient (timeout, 429, 5xx)
	Retriable bool
	// Structural indicates the capability itself is unusable, not just this
	// item (authentication failure, service unreachable)
	Structural bool
	// Err is the underlying error
	Err error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Operation, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// ErrTimeout marks a capability call that exceeded its per-call timeout.
// Timeouts are retried before becoming item errors.
var ErrTimeout = errors.New("capability call timed out")

// IsStructural reports whether err signals a capability-wide failure that
// should abort the stage rather than be recorded against one item.
func IsStructural(err error) bool {
	var capErr *CapabilityError
	return errors.As(err, &capErr) && capErr.Structural
}

// IsRetriable reports whether err is worth retrying at the call level.
func IsRetriable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return capErr.Retriable
	}
	return false
}
