package types

import (
	"fmt"
	"time"
)

// FeedbackItem is one piece of raw customer feedback. Items are immutable
// once ingested; every downstream artifact references them by ID.
type FeedbackItem struct {
	// ID uniquely identifies this feedback item
	ID string `json:"id"`
	// Text is the raw feedback text
	Text string `json:"text"`
	// UserID identifies the user who submitted the feedback
	UserID string `json:"user_id"`
	// ProductID identifies the product the feedback is about
	ProductID string `json:"product_id"`
	// Timestamp is when the feedback was submitted
	Timestamp time.Time `json:"timestamp"`
	// Source is where the feedback came from (support, survey, app store, etc.)
	Source string `json:"source"`
	// Tags are optional labels attached at ingestion
	Tags []string `json:"tags,omitempty"`
	// UserMetadata carries plan/usage information about the submitting user
	UserMetadata UserMetadata `json:"user_metadata,omitempty"`
}

// UserMetadata describes the commercial context of a feedback author.
// Used by the scoring engine's value component.
type UserMetadata struct {
	// Plan is the user's subscription tier: "enterprise", "pro", or "free"
	Plan string `json:"plan,omitempty"`
	// Usage is the user's activity level: "high", "medium", or "low"
	Usage string `json:"usage,omitempty"`
}

// Sentiment is the AI-derived sentiment of one feedback item.
type Sentiment struct {
	// Label is the sentiment classification: "positive", "neutral", "negative"
	Label string `json:"label"`
	// Score is the sentiment intensity in [-1.0, 1.0]
	Score float64 `json:"score"`
	// Confidence is the model's confidence in the classification (0.0-1.0)
	Confidence float64 `json:"confidence"`
}

// EnrichedItem is a FeedbackItem plus AI-derived structure. Exactly one
// EnrichedItem exists per successfully enriched FeedbackItem; failed items
// are recorded as stage errors, never silently dropped.
type EnrichedItem struct {
	FeedbackItem

	// ProductAreaIDs are the product areas this feedback touches
	ProductAreaIDs []string `json:"product_area_ids,omitempty"`
	// Sentiment is the derived sentiment
	Sentiment Sentiment `json:"sentiment"`
	// ExtractedFeatures are feature names mentioned in the text
	ExtractedFeatures []string `json:"extracted_features,omitempty"`
	// Urgency is the derived urgency: "low", "medium", "high", "critical"
	Urgency string `json:"urgency"`
	// Categories are derived thematic categories (billing, onboarding, ...)
	Categories []string `json:"categories,omitempty"`
}

// Cluster groups enriched items sharing a theme. Every enriched item belongs
// to at most one cluster per run.
type Cluster struct {
	// ID uniquely identifies this cluster
	ID string `json:"id"`
	// Theme is the short theme key the cluster formed around
	Theme string `json:"theme"`
	// Description is a human-readable description of the cluster
	Description string `json:"description,omitempty"`
	// MemberItemIDs are the enriched items in this cluster (never empty)
	MemberItemIDs []string `json:"member_item_ids"`
	// DominantSentiment is the most common sentiment label among members
	DominantSentiment string `json:"dominant_sentiment,omitempty"`
	// Keywords are representative terms for the cluster
	Keywords []string `json:"keywords,omitempty"`
}

// Insight is the AI-generated business insight for one cluster (1:1).
type Insight struct {
	// ID uniquely identifies this insight
	ID string `json:"id"`
	// ClusterID is the cluster this insight was generated from
	ClusterID string `json:"cluster_id"`
	// Title is a short headline for the insight
	Title string `json:"title"`
	// Summary is a one-paragraph summary
	Summary string `json:"summary"`
	// PainPoint describes the underlying customer pain
	PainPoint string `json:"pain_point"`
	// Severity is the assessed severity: "low", "medium", "high", "critical"
	Severity string `json:"severity"`
	// AffectedUserEstimate is a rough count of affected users
	AffectedUserEstimate int `json:"affected_user_estimate"`
	// EvidenceItemIDs is a non-empty subset of the source cluster's members
	EvidenceItemIDs []string `json:"evidence_item_ids"`
	// RecommendedActions are suggested follow-ups
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

// ScoreBreakdown holds the per-component scores behind a composite score.
// Each component is in [0, 100].
type ScoreBreakdown struct {
	Volume    float64 `json:"volume"`
	Value     float64 `json:"value"`
	Recency   float64 `json:"recency"`
	Strategic float64 `json:"strategic"`
	Urgency   float64 `json:"urgency"`
}

// ScoredInsight is an Insight plus its composite priority score.
type ScoredInsight struct {
	Insight

	// Score is the composite priority score in [0, 100]
	Score float64 `json:"score"`
	// Breakdown is the per-component contribution
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// Stage identifies one pipeline stage.
type Stage string

const (
	StageValidation Stage = "validation"
	StageEnrichment Stage = "enrichment"
	StageClustering Stage = "clustering"
	StageInsights   Stage = "insight_generation"
	StageScoring    Stage = "scoring"
)

// PipelineStages lists the AI-driven stages in execution order.
// Validation happens before the run enters the stage loop.
var PipelineStages = []Stage{StageEnrichment, StageClustering, StageInsights, StageScoring}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	StatusValidating         RunStatus = "validating"
	StatusEnriching          RunStatus = "enriching"
	StatusClustering         RunStatus = "clustering"
	StatusGeneratingInsights RunStatus = "generating_insights"
	StatusScoring            RunStatus = "scoring"
	StatusCompleted          RunStatus = "completed"
	StatusFailed             RunStatus = "failed"
	StatusCancelled          RunStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state. Terminal runs
// are never mutated again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// activeOrder maps non-terminal states to their position in the pipeline.
var activeOrder = map[RunStatus]int{
	StatusValidating:         0,
	StatusEnriching:          1,
	StatusClustering:         2,
	StatusGeneratingInsights: 3,
	StatusScoring:            4,
}

// CanTransition reports whether a transition from s to next is legal.
// Failed and Cancelled are reachable from any non-terminal state; forward
// transitions move exactly one step; Completed follows Scoring.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	if next == StatusCompleted {
		return s == StatusScoring
	}
	from, ok1 := activeOrder[s]
	to, ok2 := activeOrder[next]
	return ok1 && ok2 && to == from+1
}

// RunStatusForStage returns the run status corresponding to a stage being
// in flight.
func RunStatusForStage(stage Stage) RunStatus {
	switch stage {
	case StageValidation:
		return StatusValidating
	case StageEnrichment:
		return StatusEnriching
	case StageClustering:
		return StatusClustering
	case StageInsights:
		return StatusGeneratingInsights
	case StageScoring:
		return StatusScoring
	default:
		return StatusFailed
	}
}

// StageErrorEntry records one stage's failure accounting on a run.
type StageErrorEntry struct {
	// Stage is the stage the errors occurred in
	Stage Stage `json:"stage"`
	// FailedCount is the number of items that failed in the stage
	FailedCount int `json:"failed_count"`
	// Errors are the per-item failures
	Errors []ItemError `json:"errors,omitempty"`
}

// PipelineRun is the orchestrator-owned record of one pipeline execution.
// Only the orchestrator writes it; stage executors return results and never
// touch the run directly.
type PipelineRun struct {
	// ID uniquely identifies this run
	ID string `json:"id"`
	// Status is the current lifecycle state
	Status RunStatus `json:"status"`
	// StageErrors holds per-stage failure accounting
	StageErrors []StageErrorEntry `json:"stage_errors,omitempty"`
	// StartedAt is when the run was created
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// InputCount is the number of feedback items in the input batch
	InputCount int `json:"input_count"`
	// OutputCount is the number of scored insights produced (terminal runs)
	OutputCount *int `json:"output_count,omitempty"`
	// ErrorStage is the stage that caused a Failed status
	ErrorStage Stage `json:"error_stage,omitempty"`
	// ErrorMessage is the human-readable failure reason
	ErrorMessage string `json:"error_message,omitempty"`
}

// UrgencyScore maps an insight severity to its urgency score component.
// Unknown severities fall back to medium.
func UrgencyScore(severity string) float64 {
	switch severity {
	case "low":
		return 25
	case "medium":
		return 50
	case "high":
		return 75
	case "critical":
		return 100
	default:
		return 50
	}
}

// ValidateInsight checks the evidence-subset invariant: evidence must be a
// non-empty subset of the source cluster's members. A violation indicates a
// programming defect and surfaces as a DataInvariantError.
func ValidateInsight(insight *Insight, cluster *Cluster) error {
	if len(insight.EvidenceItemIDs) == 0 {
		return &DataInvariantError{
			Invariant: "insight evidence must be non-empty",
			Detail:    fmt.Sprintf("insight %s for cluster %s has no evidence", insight.ID, cluster.ID),
		}
	}
	members := make(map[string]bool, len(cluster.MemberItemIDs))
	for _, id := range cluster.MemberItemIDs {
		members[id] = true
	}
	for _, id := range insight.EvidenceItemIDs {
		if !members[id] {
			return &DataInvariantError{
				Invariant: "insight evidence must be a subset of cluster members",
				Detail:    fmt.Sprintf("insight %s references item %s outside cluster %s", insight.ID, id, cluster.ID),
			}
		}
	}
	return nil
}
