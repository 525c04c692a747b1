package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
)

// StepEmitter receives step lifecycle notifications.
type StepEmitter interface {
	EmitStepCompleted(ctx context.Context, run *Run, stepName string, elapsed time.Duration)
	EmitStepFailed(ctx context.Context, run *Run, stepName string, err error)
}

// Workflow is the execution context passed to workflow handlers.
type Workflow struct {
	ctx        context.Context
	run        *Run
	store      Store
	eventStore event.Store
	emitter    StepEmitter
	logger     *slog.Logger

	// mu guards run while Parallel branches record steps.
	mu sync.Mutex
}

func newWorkflow(ctx context.Context, run *Run, store Store, eventStore event.Store, emitter StepEmitter, logger *slog.Logger) *Workflow {
	return &Workflow{
		ctx:        ctx,
		run:        run,
		store:      store,
		eventStore: eventStore,
		emitter:    emitter,
		logger:     logger,
	}
}

// Context returns the run's context. It is cancelled by Runner.Cancel and
// on runner shutdown, never by the caller that started the run.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the workflow run ID.
func (w *Workflow) RunID() id.RunID { return w.run.ID }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.run.Name }

// SetOutput records the value reported as the run's data once it
// completes. It may be called more than once; the last value wins.
func (w *Workflow) SetOutput(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("workflow %s: encode output: %w", w.run.Name, err)
	}
	w.mu.Lock()
	w.run.Output = data
	w.mu.Unlock()
	return nil
}

// setRunState persists a run state change made while the handler runs.
func (w *Workflow) setRunState(state RunState, step string) {
	w.mu.Lock()
	w.run.State = state
	w.run.CurrentStep = step
	w.run.Touch()
	cp := *w.run
	w.mu.Unlock()

	if err := w.store.UpdateRun(w.ctx, &cp); err != nil {
		w.logger.Warn("failed to persist run state",
			slog.String("run_id", w.run.ID.String()),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Workflow) recordStep(name string, state StepState, started time.Time, stepErr error) {
	rec := &StepRecord{
		RunID:     w.run.ID,
		Name:      name,
		State:     state,
		Attempts:  1,
		StartedAt: started,
	}
	switch state {
	case StepStateCompleted, StepStateFailed, StepStateCancelled:
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	if stepErr != nil {
		rec.Error = stepErr.Error()
	}
	if err := w.store.SaveStep(w.ctx, rec); err != nil {
		w.logger.Warn("failed to record step",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", name),
			slog.String("error", err.Error()),
		)
	}
}

// finishStep records the end of a step and notifies the emitter.
func (w *Workflow) finishStep(name string, started time.Time, stepErr error) {
	switch {
	case stepErr == nil:
		w.recordStep(name, StepStateCompleted, started, nil)
		w.emitter.EmitStepCompleted(w.ctx, w.run, name, time.Since(started))
	case w.ctx.Err() != nil:
		w.recordStep(name, StepStateCancelled, started, stepErr)
	default:
		w.recordStep(name, StepStateFailed, started, stepErr)
		w.emitter.EmitStepFailed(w.ctx, w.run, name, stepErr)
	}
}
