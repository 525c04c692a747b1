package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/backoff"
	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/store/memory"
	"github.com/xraph/flowbridge/worker"
)

func newExecutor(t *testing.T, bo backoff.Strategy) (*worker.Executor, *memory.Store, *job.Registry, *tracker) {
	t.Helper()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(nil)
	tr := &tracker{}
	extensions.Register(tr)
	return worker.NewExecutor(reg, s, extensions, bo, nil), s, reg, tr
}

func enqueue(t *testing.T, s *memory.Store, name string, mutate ...func(*job.Job)) *job.Job {
	t.Helper()
	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      "default",
		State:      job.StatePending,
		MaxRetries: 1,
		RunAt:      now,
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	for _, m := range mutate {
		m(j)
	}
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j
}

func reload(t *testing.T, s *memory.Store, jobID id.JobID) *job.Job {
	t.Helper()
	got, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got
}

func TestExecutor_SuccessStoresResult(t *testing.T) {
	ex, s, reg, tr := newExecutor(t, nil)
	reg.Register("report", func(context.Context, *job.Job) ([]byte, error) {
		return []byte(`{"rows":3}`), nil
	})
	j := enqueue(t, s, "report")

	if err := ex.Execute(context.Background(), j); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := reload(t, s, j.ID)
	if got.State != job.StateCompleted || got.CompletedAt == nil {
		t.Fatalf("state = %s completedAt = %v", got.State, got.CompletedAt)
	}
	if string(got.Result) != `{"rows":3}` {
		t.Errorf("result = %s", got.Result)
	}
	if tr.count("completed") != 1 {
		t.Errorf("completed events = %d", tr.count("completed"))
	}
}

func TestExecutor_NonJSONResultIsQuoted(t *testing.T) {
	ex, s, reg, _ := newExecutor(t, nil)
	reg.Register("plain", func(context.Context, *job.Job) ([]byte, error) { return []byte("done"), nil })
	j := enqueue(t, s, "plain")

	if err := ex.Execute(context.Background(), j); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := reload(t, s, j.ID); string(got.Result) != `"done"` {
		t.Errorf("result = %s", got.Result)
	}
}

func TestExecutor_PromotesContinuation(t *testing.T) {
	ex, s, reg, _ := newExecutor(t, nil)
	reg.Register("step", func(context.Context, *job.Job) ([]byte, error) { return nil, nil })
	parent := enqueue(t, s, "step")
	child := enqueue(t, s, "step", func(j *job.Job) {
		j.State = job.StateAwaiting
		j.ParentID = parent.ID
	})

	if err := ex.Execute(context.Background(), parent); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := reload(t, s, child.ID); got.State != job.StatePending {
		t.Errorf("continuation state = %s, want pending", got.State)
	}
}

func TestExecutor_FailedParentKeepsContinuationWaiting(t *testing.T) {
	ex, s, reg, _ := newExecutor(t, nil)
	reg.Register("step", func(context.Context, *job.Job) ([]byte, error) { return nil, errors.New("boom") })
	parent := enqueue(t, s, "step", func(j *job.Job) { j.MaxRetries = 0 })
	child := enqueue(t, s, "step", func(j *job.Job) {
		j.State = job.StateAwaiting
		j.ParentID = parent.ID
	})

	_ = ex.Execute(context.Background(), parent)
	if got := reload(t, s, child.ID); got.State != job.StateAwaiting {
		t.Errorf("continuation state = %s, want awaiting", got.State)
	}
}

func TestExecutor_BatchContinuationWaitsForWholeBatch(t *testing.T) {
	ex, s, reg, _ := newExecutor(t, nil)
	reg.Register("member", func(context.Context, *job.Job) ([]byte, error) { return nil, nil })

	batch := id.NewBatchID()
	inBatch := func(j *job.Job) { j.BatchID = batch }
	first := enqueue(t, s, "member", inBatch)
	second := enqueue(t, s, "member", inBatch)
	after := enqueue(t, s, "member", func(j *job.Job) {
		j.State = job.StateAwaiting
		j.ParentID = batch
	})

	if err := ex.Execute(context.Background(), first); err != nil {
		t.Fatalf("Execute first: %v", err)
	}
	if got := reload(t, s, after.ID); got.State != job.StateAwaiting {
		t.Fatalf("continuation released early: %s", got.State)
	}

	if err := ex.Execute(context.Background(), second); err != nil {
		t.Fatalf("Execute second: %v", err)
	}
	if got := reload(t, s, after.ID); got.State != job.StatePending {
		t.Errorf("continuation state = %s, want pending", got.State)
	}
}

func TestExecutor_RetryWithBackoff(t *testing.T) {
	ex, s, reg, tr := newExecutor(t, backoff.Constant(time.Minute))
	reg.Register("flaky", func(context.Context, *job.Job) ([]byte, error) { return nil, errors.New("try later") })
	j := enqueue(t, s, "flaky")

	before := time.Now().UTC()
	err := ex.Execute(context.Background(), j)
	if err == nil {
		t.Fatal("expected error")
	}
	got := reload(t, s, j.ID)
	if got.State != job.StateRetrying || got.RetryCount != 1 || got.LastError != "try later" {
		t.Fatalf("job = %s retry=%d err=%q", got.State, got.RetryCount, got.LastError)
	}
	if got.RunAt.Before(before.Add(time.Minute)) {
		t.Errorf("RunAt = %v, want at least %v", got.RunAt, before.Add(time.Minute))
	}
	if tr.count("retrying") != 1 {
		t.Errorf("retrying events = %d", tr.count("retrying"))
	}
}

func TestExecutor_ExhaustedRetriesFail(t *testing.T) {
	ex, s, reg, tr := newExecutor(t, backoff.Constant(0))
	reg.Register("broken", func(context.Context, *job.Job) ([]byte, error) { return nil, errors.New("nope") })
	j := enqueue(t, s, "broken", func(j *job.Job) { j.MaxRetries = 0 })

	err := ex.Execute(context.Background(), j)
	if !errors.Is(err, flowbridge.ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v, want ErrMaxRetriesExceeded", err)
	}
	if got := reload(t, s, j.ID); got.State != job.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if tr.count("failed") != 1 {
		t.Errorf("failed events = %d", tr.count("failed"))
	}
}

func TestExecutor_UnknownHandlerFails(t *testing.T) {
	ex, s, _, _ := newExecutor(t, nil)
	j := enqueue(t, s, "ghost", func(j *job.Job) { j.MaxRetries = 0 })

	if err := ex.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error")
	}
	if got := reload(t, s, j.ID); got.State != job.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
}

func TestExecutor_CancellationCause(t *testing.T) {
	ex, s, reg, tr := newExecutor(t, nil)
	reg.Register("long", func(ctx context.Context, _ *job.Job) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	j := enqueue(t, s, "long")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(flowbridge.ErrJobCancelled)

	err := ex.Execute(ctx, j)
	if !errors.Is(err, flowbridge.ErrJobCancelled) {
		t.Fatalf("err = %v, want ErrJobCancelled", err)
	}
	got := reload(t, s, j.ID)
	if got.State != job.StateCancelled || got.RetryCount != 0 {
		t.Errorf("state = %s retry = %d", got.State, got.RetryCount)
	}
	if tr.count("cancelled") != 1 {
		t.Errorf("cancelled events = %d", tr.count("cancelled"))
	}
}
