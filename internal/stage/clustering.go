package stage

import (
	"context"

	"github.com/feedbackloop/feedbackloop/internal/cluster"
	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Clustering groups enriched items via the injected strategy. Unlike the
// per-item stages it is one logical step: the strategy sees the whole
// batch at once.
type Clustering struct {
	runID    string
	strategy cluster.Strategy
}

// NewClustering creates the clustering stage executor.
func NewClustering(runID string, strategy cluster.Strategy) *Clustering {
	return &Clustering{runID: runID, strategy: strategy}
}

// Stage implements Executor.
func (c *Clustering) Stage() types.Stage { return types.StageClustering }

// Run implements Executor. The strategy itself never fails items
// individually; dropped singletons surface as a warning event, and the
// outcome counts input items so threshold accounting stays uniform.
func (c *Clustering) Run(ctx context.Context, batch *Batch, emitter events.Emitter, progress ProgressFunc) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := len(batch.Enriched)
	result, err := c.strategy.Cluster(batch.Enriched)
	if err != nil {
		return nil, &types.StageError{Stage: c.Stage(), Reason: err.Error()}
	}

	batch.Clusters = result.Clusters
	if result.Unclustered != nil {
		batch.Clusters = append(batch.Clusters, result.Unclustered)
	}

	if len(result.DroppedItemIDs) > 0 {
		emitter.Emit(events.NewWarningEvent(c.runID, c.Stage(),
			"items dropped: theme group below minimum cluster size",
			map[string]interface{}{
				"dropped_count":    len(result.DroppedItemIDs),
				"dropped_item_ids": result.DroppedItemIDs,
			}))
	}

	progress(total, total, "")
	return &Outcome{Succeeded: total}, nil
}
