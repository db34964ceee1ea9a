// Package memory implements the run store in process memory. Used by tests
// and by runs that do not need persistence.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Store is the in-memory run store. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*types.PipelineRun
	events map[string][]*events.PipelineEvent
}

var _ storage.RunStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*types.PipelineRun),
		events: make(map[string][]*events.PipelineEvent),
	}
}

// Close implements storage.RunStore.
func (s *Store) Close() error { return nil }

// CreateRun implements storage.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// GetRun implements storage.RunStore.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

// ListRuns implements storage.RunStore.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	runs := make([]*types.PipelineRun, 0, len(s.runs))
	for _, run := range s.runs {
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UpdateRun implements storage.RunStore.
func (s *Store) UpdateRun(ctx context.Context, runID string, patch storage.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrRunNotFound
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.StageErrors != nil {
		run.StageErrors = patch.StageErrors
	}
	if patch.CompletedAt != nil && *patch.CompletedAt {
		now := time.Now()
		run.CompletedAt = &now
	}
	if patch.OutputCount != nil {
		run.OutputCount = patch.OutputCount
	}
	if patch.ErrorStage != nil {
		run.ErrorStage = *patch.ErrorStage
	}
	if patch.ErrorMessage != nil {
		run.ErrorMessage = *patch.ErrorMessage
	}
	return nil
}

// AppendEvent implements storage.RunStore.
func (s *Store) AppendEvent(ctx context.Context, event *events.PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events[event.RunID] = append(s.events[event.RunID], &copied)
	return nil
}

// GetEvents implements storage.RunStore.
func (s *Store) GetEvents(ctx context.Context, runID string) ([]*events.PipelineEvent, error) {
	return s.GetEventsAfter(ctx, runID, 0)
}

// GetEventsAfter implements storage.RunStore.
func (s *Store) GetEventsAfter(ctx context.Context, runID string, afterSeq uint64) ([]*events.PipelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*events.PipelineEvent
	for _, ev := range s.events[runID] {
		if ev.SequenceNumber > afterSeq {
			copied := *ev
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SequenceNumber < result[j].SequenceNumber })
	return result, nil
}
