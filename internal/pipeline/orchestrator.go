// Package pipeline implements the run orchestrator: the state machine that
// sequences stages, applies the threshold policy, aggregates partial
// failures, computes weighted progress, and drives the event bus. The
// orchestrator is the sole writer of PipelineRun records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feedbackloop/feedbackloop/internal/ai"
	"github.com/feedbackloop/feedbackloop/internal/cluster"
	"github.com/feedbackloop/feedbackloop/internal/config"
	"github.com/feedbackloop/feedbackloop/internal/events"
	"github.com/feedbackloop/feedbackloop/internal/scoring"
	"github.com/feedbackloop/feedbackloop/internal/stage"
	"github.com/feedbackloop/feedbackloop/internal/storage"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Orchestrator creates and executes pipeline runs. One orchestrator serves
// many concurrent runs; the capability it holds is expected to be globally
// gated (see ai.Gate) so runs cannot starve each other.
type Orchestrator struct {
	store      storage.RunStore
	capability ai.Capability
	registry   *Registry
	logger     *slog.Logger
}

// New creates an orchestrator. The logger may be nil.
func New(store storage.RunStore, capability ai.Capability, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		capability: capability,
		registry:   NewRegistry(),
		logger:     logger,
	}
}

// Registry exposes the orchestrator's active-run registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Result is the final output of a successful run.
type Result struct {
	// Run is the terminal run record
	Run *types.PipelineRun
	// Insights is the ranked scored-insight list (nil unless Completed)
	Insights []*types.ScoredInsight
}

// Handle tracks one in-flight run.
type Handle struct {
	// RunID identifies the run
	RunID string

	bus    *events.Bus
	events <-chan *events.PipelineEvent
	cancel context.CancelFunc
	done   chan struct{}

	// written once before done closes, read after
	result *Result
	err    error
}

// Events returns the run's live event stream. The subscription is taken
// before execution starts, so the stream always begins with the run's first
// event. The channel closes when the run reaches a terminal state; repeated
// calls share the same stream.
func (h *Handle) Events() <-chan *events.PipelineEvent { return h.events }

// Cancel requests cancellation. The run transitions to Cancelled at the
// next safe checkpoint; in-flight capability calls finish naturally.
func (h *Handle) Cancel() { h.cancel() }

// Done closes when the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its result. The error is
// non-nil when the run failed or was cancelled.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	return h.result, h.err
}

// Start validates the configuration, creates the run, and launches its
// execution. A ConfigError is returned synchronously, before any run
// record or event exists.
func (o *Orchestrator) Start(ctx context.Context, cfg *config.RunConfig, batch []*types.FeedbackItem) (*Handle, error) {
	if err := cfg.Validate(batch); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	run := &types.PipelineRun{
		ID:         runID,
		Status:     types.StatusValidating,
		StartedAt:  time.Now(),
		InputCount: len(batch),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		RunID:  runID,
		bus:    events.NewBus(runID, o.store, o.logger),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.events = h.bus.Subscribe()
	o.registry.Add(h)

	go o.execute(runCtx, h, run, cfg, batch)
	return h, nil
}

// execute drives one run to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, h *Handle, run *types.PipelineRun, cfg *config.RunConfig, items []*types.FeedbackItem) {
	defer close(h.done)
	defer o.registry.Remove(h.RunID)
	defer h.bus.Close()

	start := time.Now()
	h.bus.Emit(events.NewPipelineStartedEvent(run.ID, run.InputCount))

	// Per-run retry policy over the shared, globally gated capability.
	capability := ai.NewRetrier(o.capability, cfg.Retry, o.logger)
	limits := stage.Limits{MaxConcurrent: cfg.MaxConcurrent}
	executors := []stage.Executor{
		stage.NewEnrichment(run.ID, capability, limits),
		stage.NewClustering(run.ID, cluster.NewThemeBucket(cfg.Clustering)),
		stage.NewInsightGeneration(run.ID, capability, limits),
		stage.NewScoring(run.ID, scoring.NewEngine(cfg.Scoring), limits, run.StartedAt),
	}

	batch := &stage.Batch{Items: items}
	completedWeight := 0.0

	for _, ex := range executors {
		st := ex.Stage()
		weight := cfg.StageWeights[st]

		// Safe checkpoint between stages.
		if ctx.Err() != nil {
			o.cancelRun(ctx, h, run, st)
			return
		}

		if err := o.transition(ctx, run, types.RunStatusForStage(st)); err != nil {
			o.fail(ctx, h, run, st, err, true, start)
			return
		}
		h.bus.Emit(events.NewStageStartedEvent(run.ID, st, stageInputSize(batch, st)))
		o.logger.Info("stage started", "run_id", run.ID, "stage", st)

		stageStart := time.Now()
		base := completedWeight
		outcome, err := ex.Run(ctx, batch, h.bus, func(done, total int, itemID string) {
			frac := 1.0
			if total > 0 {
				frac = float64(done) / float64(total)
			}
			h.bus.Emit(events.NewStageProgressEvent(run.ID, st, events.StageProgressData{
				Progress:   base + weight*frac,
				ItemsDone:  done,
				ItemsTotal: total,
				ItemID:     itemID,
			}))
		})

		// Cancellation wins over whatever the stage returned: the signal
		// was observed at a safe checkpoint and nothing after it ran.
		if ctx.Err() != nil {
			o.cancelRun(ctx, h, run, st)
			return
		}
		if err != nil {
			var invErr *types.DataInvariantError
			recoverable := !errors.As(err, &invErr)
			o.fail(ctx, h, run, st, err, recoverable, start)
			return
		}

		if len(outcome.Failed) > 0 {
			run.StageErrors = append(run.StageErrors, types.StageErrorEntry{
				Stage:       st,
				FailedCount: len(outcome.Failed),
				Errors:      outcome.Failed,
			})
		}

		if ratio := outcome.SuccessRatio(); ratio < cfg.SuccessThreshold {
			stageErr := &types.StageError{
				Stage:       st,
				Reason:      fmt.Sprintf("success ratio %.2f below threshold %.2f", ratio, cfg.SuccessThreshold),
				FailedCount: len(outcome.Failed),
				TotalCount:  outcome.Total(),
			}
			o.fail(ctx, h, run, st, stageErr, true, start)
			return
		}

		completedWeight += weight
		h.bus.Emit(events.NewStageCompleteEvent(run.ID, st, events.StageCompleteData{
			Succeeded:  outcome.Succeeded,
			Failed:     len(outcome.Failed),
			DurationMs: time.Since(stageStart).Milliseconds(),
		}))
		o.logger.Info("stage complete", "run_id", run.ID, "stage", st,
			"succeeded", outcome.Succeeded, "failed", len(outcome.Failed))
	}

	o.complete(ctx, h, run, batch.Scored, start)
}

// transition moves the run to the next status, enforcing the state machine.
func (o *Orchestrator) transition(ctx context.Context, run *types.PipelineRun, next types.RunStatus) error {
	if !run.Status.CanTransition(next) {
		return fmt.Errorf("illegal run transition %s -> %s", run.Status, next)
	}
	run.Status = next
	return o.store.UpdateRun(context.WithoutCancel(ctx), run.ID, storage.RunPatch{Status: &next, StageErrors: run.StageErrors})
}

// complete finalizes a successful run.
func (o *Orchestrator) complete(ctx context.Context, h *Handle, run *types.PipelineRun, scored []*types.ScoredInsight, start time.Time) {
	run.Status = types.StatusCompleted
	outputCount := len(scored)
	done := true
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), run.ID, storage.RunPatch{
		Status:      &run.Status,
		StageErrors: run.StageErrors,
		CompletedAt: &done,
		OutputCount: &outputCount,
	}); err != nil {
		o.logger.Warn("failed to persist run completion", "run_id", run.ID, "error", err)
	}

	h.bus.Emit(events.NewPipelineCompleteEvent(run.ID, events.PipelineCompleteData{
		InsightCount: outputCount,
		DurationMs:   time.Since(start).Milliseconds(),
	}))
	o.logger.Info("pipeline complete", "run_id", run.ID, "insights", outputCount)

	now := time.Now()
	run.CompletedAt = &now
	run.OutputCount = &outputCount
	h.result = &Result{Run: run, Insights: scored}
}

// fail moves the run to Failed and records the failing stage.
func (o *Orchestrator) fail(ctx context.Context, h *Handle, run *types.PipelineRun, st types.Stage, cause error, recoverable bool, start time.Time) {
	run.Status = types.StatusFailed
	run.ErrorStage = st
	run.ErrorMessage = cause.Error()
	done := true
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), run.ID, storage.RunPatch{
		Status:       &run.Status,
		StageErrors:  run.StageErrors,
		CompletedAt:  &done,
		ErrorStage:   &st,
		ErrorMessage: &run.ErrorMessage,
	}); err != nil {
		o.logger.Warn("failed to persist run failure", "run_id", run.ID, "error", err)
	}

	h.bus.Emit(events.NewPipelineFailedEvent(run.ID, events.PipelineFailedData{
		Stage:       st,
		Reason:      cause.Error(),
		Recoverable: recoverable,
	}))
	o.logger.Error("pipeline failed", "run_id", run.ID, "stage", st, "error", cause, "duration", time.Since(start))

	h.result = &Result{Run: run}
	h.err = cause
}

// cancelRun moves the run to Cancelled.
func (o *Orchestrator) cancelRun(ctx context.Context, h *Handle, run *types.PipelineRun, st types.Stage) {
	run.Status = types.StatusCancelled
	run.ErrorMessage = "run cancelled"
	done := true
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), run.ID, storage.RunPatch{
		Status:       &run.Status,
		StageErrors:  run.StageErrors,
		CompletedAt:  &done,
		ErrorMessage: &run.ErrorMessage,
	}); err != nil {
		o.logger.Warn("failed to persist run cancellation", "run_id", run.ID, "error", err)
	}

	h.bus.Emit(events.NewPipelineFailedEvent(run.ID, events.PipelineFailedData{
		Stage:       st,
		Reason:      "run cancelled",
		Recoverable: false,
	}))
	o.logger.Info("pipeline cancelled", "run_id", run.ID, "stage", st)

	h.result = &Result{Run: run}
	h.err = context.Canceled
}

// stageInputSize reports how many items a stage is about to process.
func stageInputSize(batch *stage.Batch, st types.Stage) int {
	switch st {
	case types.StageEnrichment:
		return len(batch.Items)
	case types.StageClustering:
		return len(batch.Enriched)
	case types.StageInsights:
		return len(batch.Clusters)
	case types.StageScoring:
		return len(batch.Insights)
	default:
		return 0
	}
}
