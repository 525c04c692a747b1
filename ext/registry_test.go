package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/flowbridge/bridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

var (
	_ workflow.RunEmitter = (*ext.Registry)(nil)
	_ cron.Emitter        = (*ext.Registry)(nil)
	_ bridge.Emitter      = (*ext.Registry)(nil)
)

type recorder struct {
	name  string
	mu    sync.Mutex
	calls []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) add(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// everything implements every hook.
type everything struct{ recorder }

func (e *everything) OnJobEnqueued(context.Context, *job.Job) error  { return e.add("enqueued") }
func (e *everything) OnJobStarted(context.Context, *job.Job) error   { return e.add("started") }
func (e *everything) OnJobCancelled(context.Context, *job.Job) error { return e.add("cancelled") }
func (e *everything) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	return e.add("completed")
}
func (e *everything) OnJobFailed(context.Context, *job.Job, error) error { return e.add("failed") }
func (e *everything) OnJobRetrying(context.Context, *job.Job, int, time.Time) error {
	return e.add("retrying")
}
func (e *everything) OnWorkflowStarted(context.Context, *workflow.Run) error {
	return e.add("wf.started")
}
func (e *everything) OnWorkflowStepCompleted(context.Context, *workflow.Run, string, time.Duration) error {
	return e.add("wf.step.completed")
}
func (e *everything) OnWorkflowStepFailed(context.Context, *workflow.Run, string, error) error {
	return e.add("wf.step.failed")
}
func (e *everything) OnWorkflowCompleted(context.Context, *workflow.Run, time.Duration) error {
	return e.add("wf.completed")
}
func (e *everything) OnWorkflowFailed(context.Context, *workflow.Run, error) error {
	return e.add("wf.failed")
}
func (e *everything) OnWorkflowCancelled(context.Context, *workflow.Run) error {
	return e.add("wf.cancelled")
}
func (e *everything) OnOutcomeRecorded(_ context.Context, jobID string, o *outcome.Outcome) error {
	return e.add("outcome:" + jobID + ":" + string(o.Status))
}
func (e *everything) OnCronFired(_ context.Context, entry string, _ id.JobID) error {
	return e.add("cron:" + entry)
}
func (e *everything) OnShutdown(context.Context) error { return e.add("shutdown") }

// outcomesOnly implements a single hook.
type outcomesOnly struct{ recorder }

func (o *outcomesOnly) OnOutcomeRecorded(_ context.Context, jobID string, _ *outcome.Outcome) error {
	return o.add(jobID)
}

type broken struct{}

func (broken) Name() string { return "broken" }
func (broken) OnJobEnqueued(context.Context, *job.Job) error {
	return errors.New("disk full")
}

func TestRegistry_Extensions(t *testing.T) {
	r := ext.NewRegistry(nil)
	r.Register(&everything{recorder{name: "all"}})
	r.Register(&outcomesOnly{recorder{name: "outcomes"}})

	exts := r.Extensions()
	if len(exts) != 2 {
		t.Fatalf("extensions = %d, want 2", len(exts))
	}
	if exts[0].Name() != "all" || exts[1].Name() != "outcomes" {
		t.Errorf("order = %s, %s", exts[0].Name(), exts[1].Name())
	}
}

func TestRegistry_OnlyImplementorsCalled(t *testing.T) {
	r := ext.NewRegistry(nil)
	all := &everything{recorder{name: "all"}}
	only := &outcomesOnly{recorder{name: "outcomes"}}
	r.Register(all)
	r.Register(only)

	ctx := context.Background()
	r.EmitJobStarted(ctx, &job.Job{})
	r.EmitOutcomeRecorded(ctx, "job_1", outcome.Completed("wf_1", nil, time.Now(), time.Now()))

	if got := all.got(); len(got) != 2 || got[1] != "outcome:job_1:complete" {
		t.Errorf("all = %v", got)
	}
	if got := only.got(); len(got) != 1 || got[0] != "job_1" {
		t.Errorf("outcomes = %v", got)
	}
}

func TestRegistry_EveryHook(t *testing.T) {
	r := ext.NewRegistry(nil)
	all := &everything{recorder{name: "all"}}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{Name: "workflow:checkout"}
	run := &workflow.Run{Name: "checkout"}
	boom := errors.New("boom")

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, boom)
	r.EmitJobRetrying(ctx, j, 2, time.Now())
	r.EmitJobCancelled(ctx, j)
	r.EmitWorkflowStarted(ctx, run)
	r.EmitStepCompleted(ctx, run, "charge", time.Millisecond)
	r.EmitStepFailed(ctx, run, "ship", boom)
	r.EmitWorkflowCompleted(ctx, run, time.Second)
	r.EmitWorkflowFailed(ctx, run, boom)
	r.EmitWorkflowCancelled(ctx, run)
	r.EmitOutcomeRecorded(ctx, "job_9", outcome.Terminated("wf_9", outcome.MsgWorkflowCancelled, time.Now(), time.Now()))
	r.EmitCronFired(ctx, "nightly", id.NewJobID())
	r.EmitShutdown(ctx)

	want := []string{
		"enqueued", "started", "completed", "failed", "retrying", "cancelled",
		"wf.started", "wf.step.completed", "wf.step.failed", "wf.completed", "wf.failed", "wf.cancelled",
		"outcome:job_9:terminated", "cron:nightly", "shutdown",
	}
	got := all.got()
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistry_HookErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	all := &everything{recorder{name: "all"}}
	r.Register(broken{})
	r.Register(all)

	r.EmitJobEnqueued(context.Background(), &job.Job{})

	if got := all.got(); len(got) != 1 {
		t.Errorf("later extension not called: %v", got)
	}
	out := buf.String()
	if !strings.Contains(out, "extension=broken") || !strings.Contains(out, "disk full") {
		t.Errorf("log = %q", out)
	}
}

func TestRegistry_EmptyIsNoop(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()
	r.EmitJobFailed(ctx, &job.Job{}, errors.New("x"))
	r.EmitWorkflowCancelled(ctx, &workflow.Run{})
	r.EmitOutcomeRecorded(ctx, "j", &outcome.Outcome{})
	r.EmitShutdown(ctx)
}

func TestRegistry_ConcurrentRegisterAndEmit(t *testing.T) {
	r := ext.NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(&outcomesOnly{recorder{name: "o"}})
		}()
		go func() {
			defer wg.Done()
			r.EmitOutcomeRecorded(context.Background(), "j", &outcome.Outcome{})
		}()
	}
	wg.Wait()
	if got := len(r.Extensions()); got != 8 {
		t.Errorf("extensions = %d, want 8", got)
	}
}
