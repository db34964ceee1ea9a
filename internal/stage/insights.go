package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/feedbackloop/feedbackloop/internal/ai"
	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// InsightGeneration produces exactly one insight per cluster via one
// capability call per cluster. A failed cluster is recorded as an item
// failure and removed from the run's output; it only fails the stage if
// the failure ratio exceeds the threshold.
type InsightGeneration struct {
	runID      string
	capability ai.Capability
	limits     Limits
	// itemsByID resolves evidence snippets for prompts
	itemsByID map[string]*types.EnrichedItem
}

// NewInsightGeneration creates the insight-generation stage executor.
func NewInsightGeneration(runID string, capability ai.Capability, limits Limits) *InsightGeneration {
	return &InsightGeneration{runID: runID, capability: capability, limits: limits}
}

// Stage implements Executor.
func (g *InsightGeneration) Stage() types.Stage { return types.StageInsights }

// insightResult is the JSON shape the capability returns for one cluster.
type insightResult struct {
	Title                string   `json:"title"`
	Summary              string   `json:"summary"`
	PainPoint            string   `json:"pain_point"`
	Severity             string   `json:"severity"`
	AffectedUserEstimate int      `json:"affected_user_estimate"`
	EvidenceItemIDs      []string `json:"evidence_item_ids"`
	RecommendedActions   []string `json:"recommended_actions"`
}

// Run implements Executor.
func (g *InsightGeneration) Run(ctx context.Context, batch *Batch, emitter events.Emitter, progress ProgressFunc) (*Outcome, error) {
	g.itemsByID = make(map[string]*types.EnrichedItem, len(batch.Enriched))
	for _, item := range batch.Enriched {
		g.itemsByID[item.ID] = item
	}

	total := len(batch.Clusters)
	done := 0

	out := runPool(ctx, batch.Clusters, g.limits.MaxConcurrent,
		func(ctx context.Context, c *types.Cluster) (*types.Insight, *types.ItemError, error) {
			return g.generateOne(ctx, c)
		},
		func(index int, itemErr *types.ItemError) {
			done++
			if itemErr != nil {
				emitter.Emit(events.NewErrorEvent(g.runID, g.Stage(), itemErr))
			}
			progress(done, total, batch.Clusters[index].ID)
		},
	)
	if out.fatal != nil {
		// Invariant violations pass through unwrapped so the orchestrator
		// can report them as defects rather than stage failures.
		var invErr *types.DataInvariantError
		if errors.As(out.fatal, &invErr) {
			return nil, out.fatal
		}
		return nil, &types.StageError{Stage: g.Stage(), Reason: out.fatal.Error()}
	}

	batch.Insights = out.succeeded
	return &Outcome{Succeeded: len(out.succeeded), Failed: out.failed}, nil
}

// generateOne performs one insight-generation capability call and enforces
// the evidence-subset invariant before returning.
func (g *InsightGeneration) generateOne(ctx context.Context, c *types.Cluster) (*types.Insight, *types.ItemError, error) {
	resp, err := g.capability.Invoke(ctx, ai.Request{
		Operation: "insight_generation",
		ItemID:    c.ID,
		Prompt:    g.buildInsightPrompt(c),
	})
	if err != nil {
		if ai.IsStructural(err) {
			return nil, nil, err
		}
		return nil, &types.ItemError{ItemID: c.ID, Reason: err.Error(), Retriable: ai.IsRetriable(err)}, nil
	}

	result, err := ai.ParseJSON[insightResult](resp.Text)
	if err != nil {
		return nil, &types.ItemError{ItemID: c.ID, Reason: fmt.Sprintf("unparseable insight: %v", err)}, nil
	}

	insight := &types.Insight{
		ID:                   "insight-" + strings.TrimPrefix(c.ID, "cluster-"),
		ClusterID:            c.ID,
		Title:                result.Title,
		Summary:              result.Summary,
		PainPoint:            result.PainPoint,
		Severity:             result.Severity,
		AffectedUserEstimate: result.AffectedUserEstimate,
		EvidenceItemIDs:      result.EvidenceItemIDs,
		RecommendedActions:   result.RecommendedActions,
	}

	if err := types.ValidateInsight(insight, c); err != nil {
		return nil, nil, err
	}
	return insight, nil, nil
}

// buildInsightPrompt builds the per-cluster insight prompt.
func (g *InsightGeneration) buildInsightPrompt(c *types.Cluster) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A cluster of %d customer feedback items shares the theme %q.\n", len(c.MemberItemIDs), c.Theme)
	if c.DominantSentiment != "" {
		fmt.Fprintf(&b, "Dominant sentiment: %s.\n", c.DominantSentiment)
	}
	b.WriteString("\nFeedback items (id: text):\n")
	for _, id := range c.MemberItemIDs {
		if item, ok := g.itemsByID[id]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", id, item.Text)
		}
	}
	b.WriteString(`
Produce one business insight for this cluster. Respond with JSON only:
{
  "title": "short headline",
  "summary": "one paragraph",
  "pain_point": "the underlying customer pain",
  "severity": "low|medium|high|critical",
  "affected_user_estimate": integer,
  "evidence_item_ids": ["ids from the list above that best substantiate the insight"],
  "recommended_actions": ["..."]
}
evidence_item_ids must be non-empty and only contain ids from the list above.`)
	return b.String()
}
