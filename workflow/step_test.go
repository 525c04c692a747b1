package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/flowbridge/workflow"
)

// trackingEmitter records step lifecycle events for test assertions.
type trackingEmitter struct {
	noopEmitter
	stepCompletedCount atomic.Int32
	stepFailedCount    atomic.Int32
}

func (e *trackingEmitter) EmitStepCompleted(_ context.Context, _ *workflow.Run, _ string, _ time.Duration) {
	e.stepCompletedCount.Add(1)
}

func (e *trackingEmitter) EmitStepFailed(_ context.Context, _ *workflow.Run, _ string, _ error) {
	e.stepFailedCount.Add(1)
}

func TestStep_HappyPath(t *testing.T) {
	emitter := &trackingEmitter{}
	runner, reg, s := newTestRunnerWith(emitter)

	var step1Done, step2Done atomic.Bool
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("step-test", func(wf *workflow.Workflow, _ struct{}) error {
		if err := wf.Step("step-1", func(_ context.Context) error {
			step1Done.Store(true)
			return nil
		}); err != nil {
			return err
		}
		return wf.Step("step-2", func(_ context.Context) error {
			step2Done.Store(true)
			return nil
		})
	}))

	started, err := workflow.Start(context.Background(), runner, "step-test", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitRun(t, s, started.ID)

	if !step1Done.Load() || !step2Done.Load() {
		t.Errorf("steps executed: step-1=%v step-2=%v", step1Done.Load(), step2Done.Load())
	}
	if run.State != workflow.RunStateCompleted {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateCompleted)
	}
	if emitter.stepCompletedCount.Load() != 2 {
		t.Errorf("step completed events = %d, want 2", emitter.stepCompletedCount.Load())
	}

	steps, err := s.ListSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	for i, want := range []string{"step-1", "step-2"} {
		if steps[i].Name != want || steps[i].State != workflow.StepStateCompleted {
			t.Errorf("step %d = %s/%s, want %s/completed", i, steps[i].Name, steps[i].State, want)
		}
		if steps[i].CompletedAt == nil {
			t.Errorf("step %s has no completion time", want)
		}
	}
}

func TestStep_CheckpointSkip(t *testing.T) {
	runner, reg, s := newTestRunnerWith(&trackingEmitter{})

	var calls atomic.Int32
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("checkpoint-test", func(wf *workflow.Workflow, _ struct{}) error {
		return wf.Step("idempotent-step", func(_ context.Context) error {
			calls.Add(1)
			return nil
		})
	}))

	started, err := workflow.Start(context.Background(), runner, "checkpoint-test", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitRun(t, s, started.ID)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	crash(t, s, run)
	if resumeErr := runner.Resume(context.Background(), run.ID); resumeErr != nil {
		t.Fatalf("Resume: %v", resumeErr)
	}
	waitRun(t, s, run.ID)
	if calls.Load() != 1 {
		t.Errorf("calls after resume = %d, want 1 (step should be skipped)", calls.Load())
	}
}

func TestStep_Failure(t *testing.T) {
	emitter := &trackingEmitter{}
	runner, reg, s := newTestRunnerWith(emitter)

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("fail-step-test", func(wf *workflow.Workflow, _ struct{}) error {
		return wf.Step("bad-step", func(_ context.Context) error {
			return errors.New("step failed")
		})
	}))

	started, err := workflow.Start(context.Background(), runner, "fail-step-test", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitRun(t, s, started.ID)

	if run.State != workflow.RunStateFailed {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateFailed)
	}
	if emitter.stepFailedCount.Load() != 1 {
		t.Errorf("step failed events = %d, want 1", emitter.stepFailedCount.Load())
	}

	steps, err := s.ListSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].State != workflow.StepStateFailed || steps[0].Error != "step failed" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestStepWithResult_RoundTrip(t *testing.T) {
	runner, reg, s := newTestRunner()

	type result struct {
		Value string
		Count int
	}

	got := make(chan result, 1)
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("result-test", func(wf *workflow.Workflow, _ struct{}) error {
		r, err := workflow.StepWithResult[result](wf, "compute", func(_ context.Context) (result, error) {
			return result{Value: "hello", Count: 42}, nil
		})
		if err != nil {
			return err
		}
		got <- r
		return nil
	}))

	started, err := workflow.Start(context.Background(), runner, "result-test", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run := waitRun(t, s, started.ID); run.State != workflow.RunStateCompleted {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateCompleted)
	}
	if r := <-got; r.Value != "hello" || r.Count != 42 {
		t.Errorf("result = %+v", r)
	}
}

func TestStepWithResult_CheckpointResume(t *testing.T) {
	runner, reg, s := newTestRunner()

	var computeCalls atomic.Int32
	got := make(chan int, 2)
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("result-resume", func(wf *workflow.Workflow, _ struct{}) error {
		r, err := workflow.StepWithResult[int](wf, "compute", func(_ context.Context) (int, error) {
			computeCalls.Add(1)
			return 999, nil
		})
		if err != nil {
			return err
		}
		got <- r
		return nil
	}))

	started, err := workflow.Start(context.Background(), runner, "result-resume", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitRun(t, s, started.ID)
	if r := <-got; r != 999 {
		t.Fatalf("result = %d, want 999", r)
	}

	crash(t, s, run)
	if resumeErr := runner.Resume(context.Background(), run.ID); resumeErr != nil {
		t.Fatalf("Resume: %v", resumeErr)
	}
	waitRun(t, s, run.ID)

	if computeCalls.Load() != 1 {
		t.Errorf("computeCalls = %d, want 1 (checkpointed)", computeCalls.Load())
	}
	if r := <-got; r != 999 {
		t.Errorf("result after resume = %d, want 999", r)
	}
}

func TestParallel_AllSucceed(t *testing.T) {
	runner, reg, s := newTestRunnerWith(&trackingEmitter{})

	var a, b, c atomic.Bool
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("parallel-test", func(wf *workflow.Workflow, _ struct{}) error {
		return wf.Parallel("group-1",
			func(_ context.Context) error { a.Store(true); return nil },
			func(_ context.Context) error { b.Store(true); return nil },
			func(_ context.Context) error { c.Store(true); return nil },
		)
	}))

	started, err := workflow.Start(context.Background(), runner, "parallel-test", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run := waitRun(t, s, started.ID); run.State != workflow.RunStateCompleted {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateCompleted)
	}
	if !a.Load() || !b.Load() || !c.Load() {
		t.Errorf("parallel steps: a=%v b=%v c=%v, want all true", a.Load(), b.Load(), c.Load())
	}
}

func TestParallel_Failure(t *testing.T) {
	runner, reg, s := newTestRunnerWith(&trackingEmitter{})

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("parallel-fail", func(wf *workflow.Workflow, _ struct{}) error {
		return wf.Parallel("failing-group",
			func(_ context.Context) error { return nil },
			func(_ context.Context) error { return errors.New("step 2 failed") },
			func(_ context.Context) error { return nil },
		)
	}))

	started, err := workflow.Start(context.Background(), runner, "parallel-fail", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run := waitRun(t, s, started.ID); run.State != workflow.RunStateFailed {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateFailed)
	}
}

func TestParallel_CheckpointSkip(t *testing.T) {
	runner, reg, s := newTestRunner()

	var calls atomic.Int32
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("parallel-resume", func(wf *workflow.Workflow, _ struct{}) error {
		return wf.Parallel("group",
			func(_ context.Context) error { calls.Add(1); return nil },
			func(_ context.Context) error { calls.Add(1); return nil },
		)
	}))

	started, err := workflow.Start(context.Background(), runner, "parallel-resume", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitRun(t, s, started.ID)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	crash(t, s, run)
	if resumeErr := runner.Resume(context.Background(), run.ID); resumeErr != nil {
		t.Fatalf("Resume: %v", resumeErr)
	}
	waitRun(t, s, run.ID)
	if calls.Load() != 2 {
		t.Errorf("calls after resume = %d, want 2 (group checkpointed)", calls.Load())
	}
}

func TestSleep_CheckpointSkip(t *testing.T) {
	runner, reg, s := newTestRunner()

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("sleep-test", func(wf *workflow.Workflow, _ struct{}) error {
		return wf.Sleep("brief", 1*time.Millisecond)
	}))

	started, err := workflow.Start(context.Background(), runner, "sleep-test", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := waitRun(t, s, started.ID)
	if run.State != workflow.RunStateCompleted {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateCompleted)
	}

	data, chkErr := s.GetCheckpoint(context.Background(), run.ID, "sleep:brief")
	if chkErr != nil {
		t.Fatalf("GetCheckpoint: %v", chkErr)
	}
	if data == nil {
		t.Fatal("expected sleep checkpoint to exist")
	}

	crash(t, s, run)
	start := time.Now()
	if resumeErr := runner.Resume(context.Background(), run.ID); resumeErr != nil {
		t.Fatalf("Resume: %v", resumeErr)
	}
	waitRun(t, s, run.ID)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resumed sleep took %v, expected near-instant", elapsed)
	}
}
