package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
)

// RunEmitter emits workflow-level lifecycle events. ext.Registry satisfies it.
type RunEmitter interface {
	StepEmitter
	EmitWorkflowStarted(ctx context.Context, run *Run)
	EmitWorkflowCompleted(ctx context.Context, run *Run, elapsed time.Duration)
	EmitWorkflowFailed(ctx context.Context, run *Run, err error)
	EmitWorkflowCancelled(ctx context.Context, run *Run)
}

var (
	errRunCancelled = errors.New("workflow run cancelled")
	errRunnerClosed = errors.New("workflow runner shutting down")
)

type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Runner creates runs and executes them on background goroutines.
type Runner struct {
	registry   *Registry
	store      Store
	eventStore event.Store
	emitter    RunEmitter
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewRunner creates a workflow runner.
func NewRunner(
	registry *Registry,
	store Store,
	eventStore event.Store,
	emitter RunEmitter,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		registry:   registry,
		store:      store,
		eventStore: eventStore,
		emitter:    emitter,
		logger:     logger,
		active:     make(map[string]*activeRun),
	}
}

// Registry returns the workflow registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Store returns the workflow store.
func (r *Runner) Store() Store { return r.store }

// Start starts a run with a typed input.
func Start[T any](ctx context.Context, runner *Runner, name string, input T) (*Run, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}
	return runner.StartRaw(ctx, name, data)
}

// StartRaw persists a pending run of the latest version of name and
// executes it asynchronously. The returned Run is a snapshot taken before
// execution began. Cancelling ctx does not affect the run.
func (r *Runner) StartRaw(ctx context.Context, name string, input []byte) (*Run, error) {
	fn, version, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", flowbridge.ErrWorkflowNotRegistered, name)
	}

	run := &Run{
		Entity:    flowbridge.NewEntity(),
		ID:        id.NewRunID(),
		Name:      name,
		Version:   version,
		State:     RunStatePending,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run for workflow %q: %w", name, err)
	}

	snapshot := *run
	r.launch(ctx, run, fn)
	return &snapshot, nil
}

// StartWorkflow starts a run and returns its ID. It lets the runner serve
// as the bridge's workflow starter.
func (r *Runner) StartWorkflow(ctx context.Context, name string, input []byte) (string, error) {
	run, err := r.StartRaw(ctx, name, input)
	if err != nil {
		return "", err
	}
	return run.ID.String(), nil
}

func (r *Runner) launch(ctx context.Context, run *Run, fn RunnerFunc) {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.active[run.ID.String()] = ar
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ar.done)
		defer func() {
			r.mu.Lock()
			delete(r.active, run.ID.String())
			r.mu.Unlock()
			cancel(nil)
		}()
		r.execute(runCtx, run, fn)
	}()
}

func (r *Runner) execute(ctx context.Context, run *Run, fn RunnerFunc) {
	start := time.Now()
	wf := newWorkflow(ctx, run, r.store, r.eventStore, r.emitter, r.logger)

	wf.setRunState(RunStateRunning, run.CurrentStep)
	r.emitter.EmitWorkflowStarted(ctx, run)

	err := r.invoke(wf, fn)

	wf.mu.Lock()
	defer wf.mu.Unlock()

	// The run context is only ever cancelled by Cancel or Shutdown.
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errRunnerClosed):
		r.logger.Info("workflow run interrupted by shutdown",
			slog.String("run_id", run.ID.String()),
		)
		return
	case errors.Is(cause, errRunCancelled):
		r.finish(ctx, run, RunStateCancelled, "")
		r.emitter.EmitWorkflowCancelled(ctx, run)
		return
	}

	if err != nil {
		r.finish(ctx, run, RunStateFailed, err.Error())
		r.emitter.EmitWorkflowFailed(ctx, run, err)
		return
	}
	r.finish(ctx, run, RunStateCompleted, "")
	r.emitter.EmitWorkflowCompleted(ctx, run, time.Since(start))
}

// invoke calls the handler, turning a panic into an error.
func (r *Runner) invoke(wf *Workflow, fn RunnerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
	}()
	return fn(wf, wf.run.Input)
}

func (r *Runner) finish(ctx context.Context, run *Run, state RunState, msg string) {
	now := time.Now().UTC()
	run.State = state
	run.Error = msg
	run.CurrentStep = ""
	run.CompletedAt = &now
	run.Touch()
	if err := r.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error("failed to persist final run state",
			slog.String("run_id", run.ID.String()),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

// Cancel cancels a run. An in-flight run is interrupted cooperatively and
// Cancel waits for it to record its final state; a run that is not
// executing in this process is marked cancelled directly. Cancelling a
// finished run returns flowbridge.ErrInvalidState.
func (r *Runner) Cancel(ctx context.Context, runID id.RunID) error {
	r.mu.Lock()
	ar, ok := r.active[runID.String()]
	r.mu.Unlock()

	if ok {
		ar.cancel(errRunCancelled)
		select {
		case <-ar.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.State.Terminal() {
		return fmt.Errorf("%w: run %s is %s", flowbridge.ErrInvalidState, runID, run.State)
	}
	r.finish(ctx, run, RunStateCancelled, "")
	r.emitter.EmitWorkflowCancelled(ctx, run)
	return nil
}

// CancelWorkflow cancels the run with the given string ID.
func (r *Runner) CancelWorkflow(ctx context.Context, instanceID string) error {
	runID, err := id.ParseRunID(instanceID)
	if err != nil {
		return fmt.Errorf("%w: %s", flowbridge.ErrRunNotFound, instanceID)
	}
	return r.Cancel(ctx, runID)
}

// Resume re-executes a non-terminal run on the version it was started
// with. Checkpointed steps are skipped.
func (r *Runner) Resume(ctx context.Context, runID id.RunID) error {
	r.mu.Lock()
	_, running := r.active[runID.String()]
	r.mu.Unlock()
	if running {
		return nil
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.State.Terminal() {
		return fmt.Errorf("%w: run %s is %s", flowbridge.ErrInvalidState, runID, run.State)
	}
	fn, ok := r.registry.GetVersion(run.Name, run.Version)
	if !ok {
		return fmt.Errorf("%w: %q version %d (run %s)", flowbridge.ErrWorkflowNotRegistered, run.Name, run.Version, runID)
	}
	r.launch(ctx, run, fn)
	return nil
}

// ResumeAll resumes every pending, running or suspended run. Called at
// startup for crash recovery.
func (r *Runner) ResumeAll(ctx context.Context) error {
	runs, err := r.store.ListRuns(ctx, ListOpts{
		States: []RunState{RunStatePending, RunStateRunning, RunStateSuspended},
	})
	if err != nil {
		return fmt.Errorf("list unfinished workflow runs: %w", err)
	}
	for _, run := range runs {
		r.logger.Info("resuming workflow run",
			slog.String("run_id", run.ID.String()),
			slog.String("workflow", run.Name),
		)
		if resumeErr := r.Resume(ctx, run.ID); resumeErr != nil {
			r.logger.Error("failed to resume workflow run",
				slog.String("run_id", run.ID.String()),
				slog.String("error", resumeErr.Error()),
			)
		}
	}
	return nil
}

// Shutdown interrupts in-flight runs without changing their persisted
// state, so ResumeAll picks them up on the next start, and waits for their
// goroutines to exit or ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, ar := range r.active {
		ar.cancel(errRunnerClosed)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
