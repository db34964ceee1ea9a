package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackloop/feedbackloop/internal/ai"
	"github.com/feedbackloop/feedbackloop/internal/config"
	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/storage/memory"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

func testConfig() *config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.ProductID = "prod-1"
	cfg.CompanyID = "co-1"
	// No point backing off in tests.
	cfg.Retry.MaxRetries = 0
	cfg.Retry.InitialBackoff = time.Millisecond
	return &cfg
}

func testBatch(theme string, n int) []*types.FeedbackItem {
	items := make([]*types.FeedbackItem, n)
	for i := range items {
		items[i] = &types.FeedbackItem{
			ID:        fmt.Sprintf("%s-%d", theme, i),
			Text:      fmt.Sprintf("%s feedback %d", theme, i),
			Timestamp: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		}
	}
	return items
}

func enrichmentJSON(category string) string {
	raw, _ := json.Marshal(map[string]any{
		"sentiment":  map[string]any{"label": "negative", "score": -0.6, "confidence": 0.9},
		"urgency":    "high",
		"categories": []string{category},
	})
	return string(raw)
}

func insightJSON(severity string, evidence ...string) string {
	raw, _ := json.Marshal(map[string]any{
		"title":                  "Insight about " + evidence[0],
		"summary":                "Summary.",
		"pain_point":             "Pain.",
		"severity":               severity,
		"affected_user_estimate": len(evidence),
		"evidence_item_ids":      evidence,
		"recommended_actions":    []string{"fix it"},
	})
	return string(raw)
}

// scriptHappyPath scripts a mock for a 6-billing + 4-onboarding batch.
func scriptHappyPath(mock *ai.Mock) []*types.FeedbackItem {
	billing := testBatch("billing", 6)
	onboarding := testBatch("onboarding", 4)
	for _, item := range billing {
		mock.Respond(item.ID, enrichmentJSON("billing"))
	}
	for _, item := range onboarding {
		mock.Respond(item.ID, enrichmentJSON("onboarding"))
	}
	mock.Respond("cluster-billing", insightJSON("critical", "billing-0", "billing-1"))
	mock.Respond("cluster-onboarding", insightJSON("medium", "onboarding-0"))
	return append(billing, onboarding...)
}

func TestOrchestratorHappyPath(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()
	batch := scriptHappyPath(mock)

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)

	result, err := h.Wait()
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, types.StatusCompleted, result.Run.Status)
	require.NotNil(t, result.Run.CompletedAt)
	require.NotNil(t, result.Run.OutputCount)
	assert.Equal(t, 2, *result.Run.OutputCount)
	assert.Empty(t, result.Run.StageErrors)

	// Two clusters yield two ranked insights; critical billing wins.
	require.Len(t, result.Insights, 2)
	assert.Equal(t, "insight-billing", result.Insights[0].ID)
	assert.Equal(t, "insight-onboarding", result.Insights[1].ID)
	assert.Greater(t, result.Insights[0].Score, result.Insights[1].Score)

	// The persisted record matches the terminal state.
	persisted, err := store.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, persisted.Status)
}

func TestOrchestratorEventStream(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()
	batch := scriptHappyPath(mock)

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	persisted, err := store.GetEvents(context.Background(), h.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, persisted)

	// Sequence numbers are strictly increasing with no gaps.
	for i, ev := range persisted {
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
	}

	// First and last events frame the run.
	assert.Equal(t, events.EventTypePipelineStarted, persisted[0].Type)
	assert.Equal(t, events.EventTypePipelineComplete, persisted[len(persisted)-1].Type)

	// Each stage emits started before complete, in pipeline order.
	var startedStages, completedStages []types.Stage
	for _, ev := range persisted {
		switch ev.Type {
		case events.EventTypeStageStarted:
			startedStages = append(startedStages, ev.Stage)
		case events.EventTypeStageComplete:
			completedStages = append(completedStages, ev.Stage)
		}
	}
	assert.Equal(t, types.PipelineStages, startedStages)
	assert.Equal(t, types.PipelineStages, completedStages)

	// Run-level progress is monotonically non-decreasing and ends at 1.
	last := 0.0
	for _, ev := range persisted {
		if ev.Type != events.EventTypeStageProgress {
			continue
		}
		data, err := ev.StageProgress()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, data.Progress, last, "progress must never move backward")
		assert.LessOrEqual(t, data.Progress, 1.0+1e-9)
		last = data.Progress
	}
	assert.InDelta(t, 1.0, last, 1e-9)
}

func TestOrchestratorThresholdFailure(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()

	// 7 of 10 items enrich; 3 fail with item-scoped errors. 0.70 is below
	// the 0.80 threshold, so the run fails in enrichment.
	batch := testBatch("perf", 10)
	for i, item := range batch {
		if i < 3 {
			mock.Fail(item.ID, &ai.CapabilityError{Operation: "enrichment", Err: errors.New("model refused")})
			continue
		}
		mock.Respond(item.ID, enrichmentJSON("performance"))
	}

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)

	result, err := h.Wait()
	require.Error(t, err)

	var stageErr *types.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, types.StageEnrichment, stageErr.Stage)
	assert.Equal(t, 3, stageErr.FailedCount)
	assert.Equal(t, 10, stageErr.TotalCount)

	assert.Equal(t, types.StatusFailed, result.Run.Status)
	assert.Equal(t, types.StageEnrichment, result.Run.ErrorStage)
	require.Len(t, result.Run.StageErrors, 1)
	assert.Equal(t, 3, result.Run.StageErrors[0].FailedCount)

	// The terminal event is pipeline_failed and marked recoverable.
	persisted, perr := store.GetEvents(context.Background(), h.RunID)
	require.NoError(t, perr)
	final := persisted[len(persisted)-1]
	assert.Equal(t, events.EventTypePipelineFailed, final.Type)
	assert.Equal(t, true, final.Payload["recoverable"])

	// No stage beyond enrichment ever started.
	for _, ev := range persisted {
		if ev.Type == events.EventTypeStageStarted {
			assert.Equal(t, types.StageEnrichment, ev.Stage)
		}
	}
}

func TestOrchestratorPartialFailureWithinThreshold(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()

	// 9 of 10 succeed: above threshold, so the run completes and the one
	// failure is recorded on the run.
	batch := testBatch("billing", 10)
	for i, item := range batch {
		if i == 0 {
			mock.Fail(item.ID, &ai.CapabilityError{Operation: "enrichment", Err: errors.New("model refused")})
			continue
		}
		mock.Respond(item.ID, enrichmentJSON("billing"))
	}
	mock.Respond("cluster-billing", insightJSON("high", "billing-1", "billing-2"))

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)

	result, err := h.Wait()
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, result.Run.Status)
	require.Len(t, result.Run.StageErrors, 1)
	assert.Equal(t, types.StageEnrichment, result.Run.StageErrors[0].Stage)
	require.Len(t, result.Run.StageErrors[0].Errors, 1)
	assert.Equal(t, "billing-0", result.Run.StageErrors[0].Errors[0].ItemID)
}

func TestOrchestratorCancellation(t *testing.T) {
	store := memory.New()

	// Every enrichment call waits for the handle, cancels the run, then
	// answers: cancellation is observed at the next safe checkpoint.
	ready := make(chan struct{})
	var handle *Handle
	mock := ai.NewMock().RespondFunc(func(req ai.Request) (string, error) {
		<-ready
		handle.Cancel()
		return enrichmentJSON("billing"), nil
	})

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), testBatch("billing", 6))
	require.NoError(t, err)
	handle = h
	close(ready)

	result, err := h.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StatusCancelled, result.Run.Status)

	persisted, perr := store.GetEvents(context.Background(), h.RunID)
	require.NoError(t, perr)

	// The terminal event is non-recoverable, and no later stage started.
	final := persisted[len(persisted)-1]
	assert.Equal(t, events.EventTypePipelineFailed, final.Type)
	assert.Equal(t, false, final.Payload["recoverable"])
	for _, ev := range persisted {
		if ev.Type == events.EventTypeStageStarted {
			assert.Equal(t, types.StageEnrichment, ev.Stage)
		}
		assert.NotEqual(t, events.EventTypePipelineComplete, ev.Type)
	}
}

func TestOrchestratorInvariantViolationIsNonRecoverable(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()

	batch := testBatch("billing", 2)
	for _, item := range batch {
		mock.Respond(item.ID, enrichmentJSON("billing"))
	}
	// Evidence referencing an item outside the cluster violates the
	// evidence-subset invariant.
	mock.Respond("cluster-billing", insightJSON("high", "ghost-item"))

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)

	result, err := h.Wait()
	require.Error(t, err)

	var invErr *types.DataInvariantError
	assert.ErrorAs(t, err, &invErr)
	assert.Equal(t, types.StatusFailed, result.Run.Status)
	assert.Equal(t, types.StageInsights, result.Run.ErrorStage)

	persisted, perr := store.GetEvents(context.Background(), h.RunID)
	require.NoError(t, perr)
	final := persisted[len(persisted)-1]
	assert.Equal(t, events.EventTypePipelineFailed, final.Type)
	assert.Equal(t, false, final.Payload["recoverable"])
}

func TestOrchestratorConfigErrorIsSynchronous(t *testing.T) {
	store := memory.New()
	orch := New(store, ai.NewMock(), nil)

	cfg := testConfig()
	cfg.ProductID = ""
	_, err := orch.Start(context.Background(), cfg, testBatch("billing", 2))
	require.Error(t, err)

	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	// No run record exists for a rejected configuration.
	runs, lerr := store.ListRuns(context.Background(), 10)
	require.NoError(t, lerr)
	assert.Empty(t, runs)
}

func TestOrchestratorDeterministicAcrossRuns(t *testing.T) {
	runOnce := func() *Result {
		store := memory.New()
		mock := ai.NewMock()
		batch := scriptHappyPath(mock)
		orch := New(store, mock, nil)
		h, err := orch.Start(context.Background(), testConfig(), batch)
		require.NoError(t, err)
		result, err := h.Wait()
		require.NoError(t, err)
		return result
	}

	first := runOnce()
	second := runOnce()

	require.Len(t, second.Insights, len(first.Insights))
	for i := range first.Insights {
		assert.Equal(t, first.Insights[i].ID, second.Insights[i].ID)
		assert.Equal(t, first.Insights[i].ClusterID, second.Insights[i].ClusterID)
		assert.Equal(t, first.Insights[i].EvidenceItemIDs, second.Insights[i].EvidenceItemIDs)
		// Scores only differ by the runs' reference-time drift.
		assert.InDelta(t, first.Insights[i].Score, second.Insights[i].Score, 0.1)
	}
}

func TestRegistryTracksActiveRuns(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()
	batch := scriptHappyPath(mock)

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)

	// The handle is registered while the run is in flight and evicted on
	// termination.
	got := orch.Registry().Get(h.RunID)
	if got != nil {
		assert.Equal(t, h.RunID, got.RunID)
	}

	_, err = h.Wait()
	require.NoError(t, err)
	assert.Nil(t, orch.Registry().Get(h.RunID))
	assert.Empty(t, orch.Registry().Active())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("missing"))
	assert.Empty(t, r.Active())

	h := &Handle{RunID: "run-1"}
	r.Add(h)
	assert.Same(t, h, r.Get("run-1"))
	assert.Equal(t, []string{"run-1"}, r.Active())

	r.Remove("run-1")
	assert.Nil(t, r.Get("run-1"))
}

// deadlineStore refuses writes once the context is done, the way a real
// database driver would.
type deadlineStore struct {
	storage.RunStore
}

func (s deadlineStore) UpdateRun(ctx context.Context, runID string, patch storage.RunPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.RunStore.UpdateRun(ctx, runID, patch)
}

func TestOrchestratorCompletionPersistsAfterLateCancel(t *testing.T) {
	// A cancel signal landing after the final stage has finished must not
	// keep the terminal record from being written.
	mem := memory.New()
	orch := New(deadlineStore{RunStore: mem}, ai.NewMock(), nil)

	run := &types.PipelineRun{
		ID:         "run-late-cancel",
		Status:     types.StatusScoring,
		StartedAt:  time.Now(),
		InputCount: 1,
	}
	require.NoError(t, mem.CreateRun(context.Background(), run))

	h := &Handle{RunID: run.ID, bus: events.NewBus(run.ID, mem, nil), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch.complete(ctx, h, run, nil, time.Now())
	h.bus.Close()

	persisted, err := mem.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, persisted.Status)
	require.NotNil(t, persisted.CompletedAt)
	require.NotNil(t, persisted.OutputCount)
	assert.Equal(t, 0, *persisted.OutputCount)
}

func TestHandleEventsBeginsAtPipelineStart(t *testing.T) {
	store := memory.New()
	mock := ai.NewMock()
	batch := scriptHappyPath(mock)

	orch := New(store, mock, nil)
	h, err := orch.Start(context.Background(), testConfig(), batch)
	require.NoError(t, err)

	// The handle's stream is subscribed before execution launches, so the
	// very first event is always observable.
	var received []*events.PipelineEvent
	for ev := range h.Events() {
		received = append(received, ev)
	}

	require.NotEmpty(t, received)
	assert.Equal(t, events.EventTypePipelineStarted, received[0].Type)
	assert.Equal(t, uint64(1), received[0].SequenceNumber)
	assert.Equal(t, events.EventTypePipelineComplete, received[len(received)-1].Type)
}
