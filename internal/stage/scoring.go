package stage

import (
	"context"
	"sort"
	"time"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/scoring"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Scoring ranks insights with the pure scoring engine. No capability
// calls; failures can only come from missing cross-references, which the
// earlier stages' invariants rule out.
type Scoring struct {
	runID  string
	engine *scoring.Engine
	limits Limits
	// now is the scoring reference time, fixed per run for determinism
	now time.Time
}

// NewScoring creates the scoring stage executor.
func NewScoring(runID string, engine *scoring.Engine, limits Limits, now time.Time) *Scoring {
	return &Scoring{runID: runID, engine: engine, limits: limits, now: now}
}

// Stage implements Executor.
func (s *Scoring) Stage() types.Stage { return types.StageScoring }

// Run implements Executor.
func (s *Scoring) Run(ctx context.Context, batch *Batch, emitter events.Emitter, progress ProgressFunc) (*Outcome, error) {
	itemsByID := make(map[string]*types.EnrichedItem, len(batch.Enriched))
	for _, item := range batch.Enriched {
		itemsByID[item.ID] = item
	}
	clustersByID := make(map[string]*types.Cluster, len(batch.Clusters))
	for _, c := range batch.Clusters {
		clustersByID[c.ID] = c
	}

	total := len(batch.Insights)
	done := 0

	out := runPool(ctx, batch.Insights, s.limits.MaxConcurrent,
		func(ctx context.Context, insight *types.Insight) (*types.ScoredInsight, *types.ItemError, error) {
			evidence := make([]*types.EnrichedItem, 0, len(insight.EvidenceItemIDs))
			var mostRecent time.Time
			for _, id := range insight.EvidenceItemIDs {
				item, ok := itemsByID[id]
				if !ok {
					return nil, &types.ItemError{ItemID: insight.ID, Reason: "evidence item " + id + " not in enrichment output"}, nil
				}
				evidence = append(evidence, item)
				if item.Timestamp.After(mostRecent) {
					mostRecent = item.Timestamp
				}
			}

			clusterSize := len(insight.EvidenceItemIDs)
			if c, ok := clustersByID[insight.ClusterID]; ok {
				clusterSize = len(c.MemberItemIDs)
			}

			return s.engine.Score(insight, evidence, clusterSize, mostRecent, s.now), nil, nil
		},
		func(index int, itemErr *types.ItemError) {
			done++
			if itemErr != nil {
				emitter.Emit(events.NewErrorEvent(s.runID, s.Stage(), itemErr))
			}
			progress(done, total, batch.Insights[index].ID)
		},
	)
	if out.fatal != nil {
		return nil, &types.StageError{Stage: s.Stage(), Reason: out.fatal.Error()}
	}

	// Rank by descending score, stable tie-break by insight ID.
	sort.Slice(out.succeeded, func(i, j int) bool {
		if out.succeeded[i].Score != out.succeeded[j].Score {
			return out.succeeded[i].Score > out.succeeded[j].Score
		}
		return out.succeeded[i].ID < out.succeeded[j].ID
	})

	batch.Scored = out.succeeded
	return &Outcome{Succeeded: len(out.succeeded), Failed: out.failed}, nil
}
