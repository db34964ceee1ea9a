package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := &types.PipelineRun{
		ID:         "run-1",
		Status:     types.StatusValidating,
		StartedAt:  time.Now().UTC(),
		InputCount: 25,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusValidating, got.Status)
	assert.Equal(t, 25, got.InputCount)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.OutputCount)

	status := types.StatusCompleted
	stamp := true
	count := 7
	require.NoError(t, store.UpdateRun(ctx, "run-1", storage.RunPatch{
		Status:      &status,
		CompletedAt: &stamp,
		OutputCount: &count,
	}))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.OutputCount)
	assert.Equal(t, 7, *got.OutputCount)
}

func TestRunFailureFields(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, &types.PipelineRun{
		ID: "run-1", Status: types.StatusEnriching, StartedAt: time.Now().UTC(), InputCount: 10,
	}))

	status := types.StatusFailed
	stage := types.StageEnrichment
	msg := "success ratio 0.70 below threshold 0.80"
	errs := []types.StageErrorEntry{{
		Stage:       types.StageEnrichment,
		FailedCount: 3,
		Errors:      []types.ItemError{{ItemID: "item-1", Reason: "timeout", Retriable: true}},
	}}
	require.NoError(t, store.UpdateRun(ctx, "run-1", storage.RunPatch{
		Status:       &status,
		StageErrors:  errs,
		ErrorStage:   &stage,
		ErrorMessage: &msg,
	}))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.StageEnrichment, got.ErrorStage)
	assert.Equal(t, msg, got.ErrorMessage)
	require.Len(t, got.StageErrors, 1)
	assert.Equal(t, 3, got.StageErrors[0].FailedCount)
	require.Len(t, got.StageErrors[0].Errors, 1)
	assert.Equal(t, "item-1", got.StageErrors[0].Errors[0].ItemID)
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestUpdateRunNotFound(t *testing.T) {
	store := testStore(t)
	status := types.StatusFailed
	err := store.UpdateRun(context.Background(), "missing", storage.RunPatch{Status: &status})
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, store.CreateRun(ctx, &types.PipelineRun{
			ID:         id,
			Status:     types.StatusCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			InputCount: 1,
		}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

func TestEventsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runs.db")
	ctx := context.Background()

	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, &types.PipelineRun{
		ID: "run-1", Status: types.StatusValidating, StartedAt: time.Now().UTC(), InputCount: 2,
	}))

	ev := events.NewStageProgressEvent("run-1", types.StageEnrichment,
		events.StageProgressData{Progress: 0.2, ItemsDone: 1, ItemsTotal: 5, ItemID: "item-1"})
	ev.SequenceNumber = 1
	require.NoError(t, store.AppendEvent(ctx, ev))
	require.NoError(t, store.Close())

	store, err = New(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventTypeStageProgress, got[0].Type)
	assert.Equal(t, uint64(1), got[0].SequenceNumber)

	data, err := got[0].StageProgress()
	require.NoError(t, err)
	assert.Equal(t, 0.2, data.Progress)
	assert.Equal(t, "item-1", data.ItemID)
}

func TestGetEventsAfter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, &types.PipelineRun{
		ID: "run-1", Status: types.StatusValidating, StartedAt: time.Now().UTC(), InputCount: 1,
	}))
	for i := 1; i <= 5; i++ {
		ev := events.NewWarningEvent("run-1", types.StageClustering, "w", nil)
		ev.SequenceNumber = uint64(i)
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	tail, err := store.GetEventsAfter(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].SequenceNumber)
}

func TestDuplicateSequenceNumberRejected(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, &types.PipelineRun{
		ID: "run-1", Status: types.StatusValidating, StartedAt: time.Now().UTC(), InputCount: 1,
	}))

	first := events.NewWarningEvent("run-1", types.StageEnrichment, "w", nil)
	first.SequenceNumber = 1
	require.NoError(t, store.AppendEvent(ctx, first))

	dup := events.NewWarningEvent("run-1", types.StageEnrichment, "w", nil)
	dup.SequenceNumber = 1
	assert.Error(t, store.AppendEvent(ctx, dup))
}
