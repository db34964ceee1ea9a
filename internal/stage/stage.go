// Package stage implements the four pipeline stage executors behind one
// uniform contract. Stages process their batch through a bounded worker
// pool, record item failures without aborting, and emit granular progress
// through the run's event bus.
package stage

import (
	"context"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Batch carries the pipeline's inter-stage state. Each stage consumes the
// field its predecessor filled and fills its own; the orchestrator owns the
// batch between stages.
type Batch struct {
	// Items is the validated input (filled before enrichment)
	Items []*types.FeedbackItem
	// Enriched is the enrichment output
	Enriched []*types.EnrichedItem
	// Clusters is the clustering output, including the unclustered
	// pseudo-cluster when singleton passthrough is enabled
	Clusters []*types.Cluster
	// Insights is the insight-generation output
	Insights []*types.Insight
	// Scored is the scoring output, ranked by descending score
	Scored []*types.ScoredInsight
}

// Limits bounds a stage's resource usage.
type Limits struct {
	// MaxConcurrent caps outstanding capability calls within the stage
	MaxConcurrent int
}

// Outcome summarizes one stage execution for the orchestrator's threshold
// policy. Succeeded+len(Failed) equals the stage's input size whenever the
// stage ran to completion (the exactly-once accounting invariant).
type Outcome struct {
	// Succeeded is the number of items processed successfully
	Succeeded int
	// Failed holds the recorded per-item failures
	Failed []types.ItemError
}

// Total returns the number of accounted items.
func (o *Outcome) Total() int { return o.Succeeded + len(o.Failed) }

// SuccessRatio is the fraction of accounted items that succeeded.
// An empty stage counts as fully successful.
func (o *Outcome) SuccessRatio() float64 {
	total := o.Total()
	if total == 0 {
		return 1
	}
	return float64(o.Succeeded) / float64(total)
}

// ProgressFunc receives item-level progress: done and total items in the
// current stage, plus the item whose terminal outcome triggered the call.
// The orchestrator folds these into run-level weighted progress.
type ProgressFunc func(done, total int, itemID string)

// Executor is the uniform stage contract. Implementations own only their
// transient batch state; the orchestrator is the sole writer of the run.
type Executor interface {
	// Stage identifies the stage for events and run status.
	Stage() types.Stage

	// Run consumes the batch field this stage reads and fills the field it
	// writes. Item failures land in the outcome; a returned error means
	// the stage as a whole failed (structural capability failure or data
	// invariant violation) and the run must fail regardless of threshold.
	Run(ctx context.Context, batch *Batch, emitter events.Emitter, progress ProgressFunc) (*Outcome, error)
}
