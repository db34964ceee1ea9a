package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

func newRun(id string, startedAt time.Time) *types.PipelineRun {
	return &types.PipelineRun{
		ID:         id,
		Status:     types.StatusValidating,
		StartedAt:  startedAt,
		InputCount: 10,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := New()
	ctx := context.Background()

	run := newRun("run-1", time.Now())
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, types.StatusValidating, got.Status)
	assert.Equal(t, 10, got.InputCount)
}

func TestGetRunNotFound(t *testing.T) {
	store := New()
	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestUpdateRunPatchesOnlyGivenFields(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, newRun("run-1", time.Now())))

	status := types.StatusEnriching
	require.NoError(t, store.UpdateRun(ctx, "run-1", storage.RunPatch{Status: &status}))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusEnriching, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 10, got.InputCount)

	completed := types.StatusCompleted
	stamp := true
	count := 3
	require.NoError(t, store.UpdateRun(ctx, "run-1", storage.RunPatch{
		Status:      &completed,
		CompletedAt: &stamp,
		OutputCount: &count,
	}))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.OutputCount)
	assert.Equal(t, 3, *got.OutputCount)
}

func TestUpdateRunNotFound(t *testing.T) {
	store := New()
	status := types.StatusFailed
	err := store.UpdateRun(context.Background(), "missing", storage.RunPatch{Status: &status})
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateRun(ctx, newRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := store.ListRuns(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-3", runs[1].ID)
	assert.Equal(t, "run-2", runs[2].ID)
}

func TestEventsRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev := events.NewWarningEvent("run-1", types.StageEnrichment, "w", nil)
		ev.SequenceNumber = uint64(i)
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	all, err := store.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
	}

	tail, err := store.GetEventsAfter(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].SequenceNumber)
	assert.Equal(t, uint64(5), tail[1].SequenceNumber)
}

func TestStoredRunsAreCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	run := newRun("run-1", time.Now())
	require.NoError(t, store.CreateRun(ctx, run))

	// Mutating the caller's struct must not leak into the store.
	run.Status = types.StatusFailed

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusValidating, got.Status)
}
