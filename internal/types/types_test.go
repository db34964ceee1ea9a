package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusIsTerminal(t *testing.T) {
	terminal := []RunStatus{StatusCompleted, StatusFailed, StatusCancelled}
	active := []RunStatus{StatusValidating, StatusEnriching, StatusClustering, StatusGeneratingInsights, StatusScoring}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestRunStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    RunStatus
		to      RunStatus
		allowed bool
	}{
		{name: "validating to enriching", from: StatusValidating, to: StatusEnriching, allowed: true},
		{name: "enriching to clustering", from: StatusEnriching, to: StatusClustering, allowed: true},
		{name: "clustering to generating insights", from: StatusClustering, to: StatusGeneratingInsights, allowed: true},
		{name: "generating insights to scoring", from: StatusGeneratingInsights, to: StatusScoring, allowed: true},
		{name: "scoring to completed", from: StatusScoring, to: StatusCompleted, allowed: true},

		{name: "no skipping forward", from: StatusValidating, to: StatusClustering, allowed: false},
		{name: "no moving backward", from: StatusClustering, to: StatusEnriching, allowed: false},
		{name: "completed only from scoring", from: StatusEnriching, to: StatusCompleted, allowed: false},

		{name: "failed from validating", from: StatusValidating, to: StatusFailed, allowed: true},
		{name: "failed from scoring", from: StatusScoring, to: StatusFailed, allowed: true},
		{name: "cancelled from enriching", from: StatusEnriching, to: StatusCancelled, allowed: true},
		{name: "cancelled from generating insights", from: StatusGeneratingInsights, to: StatusCancelled, allowed: true},

		{name: "completed is final", from: StatusCompleted, to: StatusFailed, allowed: false},
		{name: "failed is final", from: StatusFailed, to: StatusEnriching, allowed: false},
		{name: "cancelled is final", from: StatusCancelled, to: StatusCancelled, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestRunStatusForStage(t *testing.T) {
	assert.Equal(t, StatusEnriching, RunStatusForStage(StageEnrichment))
	assert.Equal(t, StatusClustering, RunStatusForStage(StageClustering))
	assert.Equal(t, StatusGeneratingInsights, RunStatusForStage(StageInsights))
	assert.Equal(t, StatusScoring, RunStatusForStage(StageScoring))
}

func TestPipelineStagesOrder(t *testing.T) {
	require.Equal(t, []Stage{StageEnrichment, StageClustering, StageInsights, StageScoring}, PipelineStages)
}

func TestValidateInsight(t *testing.T) {
	cluster := &Cluster{
		ID:            "cluster-billing",
		Theme:         "billing",
		MemberItemIDs: []string{"item-1", "item-2", "item-3"},
	}

	t.Run("evidence subset passes", func(t *testing.T) {
		insight := &Insight{
			ID:              "insight-billing",
			ClusterID:       cluster.ID,
			EvidenceItemIDs: []string{"item-1", "item-3"},
		}
		assert.NoError(t, ValidateInsight(insight, cluster))
	})

	t.Run("empty evidence is rejected", func(t *testing.T) {
		insight := &Insight{ID: "insight-billing", ClusterID: cluster.ID}
		err := ValidateInsight(insight, cluster)
		require.Error(t, err)

		var invErr *DataInvariantError
		require.ErrorAs(t, err, &invErr)
		assert.Contains(t, invErr.Invariant, "non-empty")
	})

	t.Run("evidence outside the cluster is rejected", func(t *testing.T) {
		insight := &Insight{
			ID:              "insight-billing",
			ClusterID:       cluster.ID,
			EvidenceItemIDs: []string{"item-1", "item-99"},
		}
		err := ValidateInsight(insight, cluster)
		require.Error(t, err)

		var invErr *DataInvariantError
		require.ErrorAs(t, err, &invErr)
		assert.Contains(t, invErr.Detail, "item-99")
	})
}

func TestErrorMessages(t *testing.T) {
	t.Run("item error", func(t *testing.T) {
		err := &ItemError{ItemID: "item-7", Reason: "timeout", Retriable: true}
		assert.Contains(t, err.Error(), "item-7")
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("config error", func(t *testing.T) {
		err := &ConfigError{Field: "success_threshold", Reason: "must be in (0, 1]"}
		assert.Contains(t, err.Error(), "success_threshold")
	})

	t.Run("stage error", func(t *testing.T) {
		err := &StageError{Stage: StageEnrichment, Reason: "below threshold", FailedCount: 3, TotalCount: 10}
		assert.Contains(t, err.Error(), string(StageEnrichment))
		assert.Contains(t, err.Error(), "below threshold")
	})

	t.Run("data invariant error", func(t *testing.T) {
		err := &DataInvariantError{Invariant: "evidence subset", Detail: "item-9 outside cluster"}
		assert.Contains(t, err.Error(), "evidence subset")
	})
}
