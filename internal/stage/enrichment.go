package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/feedbackloop/feedbackloop/internal/ai"
	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Enrichment turns raw feedback items into enriched items via one
// capability call per item.
type Enrichment struct {
	runID      string
	capability ai.Capability
	limits     Limits
}

// NewEnrichment creates the enrichment stage executor.
func NewEnrichment(runID string, capability ai.Capability, limits Limits) *Enrichment {
	return &Enrichment{runID: runID, capability: capability, limits: limits}
}

// Stage implements Executor.
func (e *Enrichment) Stage() types.Stage { return types.StageEnrichment }

// enrichmentResult is the JSON shape the capability returns for one item.
type enrichmentResult struct {
	ProductAreaIDs    []string        `json:"product_area_ids"`
	Sentiment         types.Sentiment `json:"sentiment"`
	ExtractedFeatures []string        `json:"extracted_features"`
	Urgency           string          `json:"urgency"`
	Categories        []string        `json:"categories"`
}

// Run implements Executor.
func (e *Enrichment) Run(ctx context.Context, batch *Batch, emitter events.Emitter, progress ProgressFunc) (*Outcome, error) {
	total := len(batch.Items)
	done := 0

	out := runPool(ctx, batch.Items, e.limits.MaxConcurrent,
		func(ctx context.Context, item *types.FeedbackItem) (*types.EnrichedItem, *types.ItemError, error) {
			return e.enrichOne(ctx, item)
		},
		func(index int, itemErr *types.ItemError) {
			done++
			if itemErr != nil {
				emitter.Emit(events.NewErrorEvent(e.runID, e.Stage(), itemErr))
			}
			progress(done, total, batch.Items[index].ID)
		},
	)
	if out.fatal != nil {
		return nil, &types.StageError{Stage: e.Stage(), Reason: out.fatal.Error()}
	}

	batch.Enriched = out.succeeded
	return &Outcome{Succeeded: len(out.succeeded), Failed: out.failed}, nil
}

// enrichOne performs one enrichment capability call.
func (e *Enrichment) enrichOne(ctx context.Context, item *types.FeedbackItem) (*types.EnrichedItem, *types.ItemError, error) {
	resp, err := e.capability.Invoke(ctx, ai.Request{
		Operation: "enrichment",
		ItemID:    item.ID,
		Prompt:    buildEnrichmentPrompt(item),
	})
	if err != nil {
		if ai.IsStructural(err) {
			return nil, nil, err
		}
		return nil, &types.ItemError{ItemID: item.ID, Reason: err.Error(), Retriable: ai.IsRetriable(err)}, nil
	}

	result, err := ai.ParseJSON[enrichmentResult](resp.Text)
	if err != nil {
		return nil, &types.ItemError{ItemID: item.ID, Reason: fmt.Sprintf("unparseable enrichment: %v", err)}, nil
	}

	return &types.EnrichedItem{
		FeedbackItem:      *item,
		ProductAreaIDs:    result.ProductAreaIDs,
		Sentiment:         result.Sentiment,
		ExtractedFeatures: result.ExtractedFeatures,
		Urgency:           result.Urgency,
		Categories:        result.Categories,
	}, nil, nil
}

// buildEnrichmentPrompt builds the per-item enrichment prompt.
func buildEnrichmentPrompt(item *types.FeedbackItem) string {
	var b strings.Builder
	b.WriteString("Analyze the following piece of customer feedback and respond with JSON only.\n\n")
	fmt.Fprintf(&b, "Feedback (source: %s, submitted: %s):\n%s\n\n", item.Source, item.Timestamp.Format("2006-01-02"), item.Text)
	if len(item.Tags) > 0 {
		fmt.Fprintf(&b, "Ingestion tags: %s\n\n", strings.Join(item.Tags, ", "))
	}
	b.WriteString(`Respond with a JSON object of this exact shape:
{
  "product_area_ids": ["..."],
  "sentiment": {"label": "positive|neutral|negative", "score": -1.0 to 1.0, "confidence": 0.0 to 1.0},
  "extracted_features": ["feature names mentioned"],
  "urgency": "low|medium|high|critical",
  "categories": ["thematic categories, e.g. billing, onboarding, performance"]
}`)
	return b.String()
}
