package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/correlation/storetest"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Correlation Store tests
// ──────────────────────────────────────────────────

func TestCorrelationConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) correlation.Store { return New() })
}

func TestShardLockOrderIsStable(t *testing.T) {
	t.Parallel()
	s := newShards(4)

	held, unlock := s.lock([]string{"b", "a", "b", "c"})
	defer unlock()

	for _, k := range []string{"a", "b", "c"} {
		if !held[s.index(k)] {
			t.Errorf("shard of %q not held", k)
		}
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(name, queue string, state job.State, priority int) *job.Job {
	return &job.Job{
		Entity:     flowbridge.NewEntity(),
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      queue,
		Payload:    []byte(`{"test":true}`),
		State:      state,
		Priority:   priority,
		MaxRetries: 3,
		RunAt:      time.Now().UTC().Add(-time.Second),
	}
}

func TestJobEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("test-job", "default", job.StatePending, 0)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, j); !errors.Is(err, flowbridge.ErrJobAlreadyExists) {
		t.Fatalf("duplicate EnqueueJob error = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "test-job" || got.State != job.StatePending {
		t.Errorf("got %+v", got)
	}

	// The store keeps its own copy.
	got.Payload[0] = 'X'
	again, _ := s.GetJob(ctx, j.ID)
	if string(again.Payload) != `{"test":true}` {
		t.Errorf("payload aliased: %s", again.Payload)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, flowbridge.ErrJobNotFound) {
		t.Errorf("GetJob unknown error = %v, want ErrJobNotFound", err)
	}
}

func TestJobDequeue(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	low := newJob("low", "default", job.StatePending, 1)
	high := newJob("high", "default", job.StatePending, 10)
	other := newJob("other", "critical", job.StatePending, 100)
	awaiting := newJob("awaiting", "default", job.StateAwaiting, 50)
	future := newJob("future", "default", job.StatePending, 50)
	future.RunAt = time.Now().UTC().Add(time.Hour)

	for _, j := range []*job.Job{low, high, other, awaiting, future} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	got, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("dequeued %d jobs, want 2", len(got))
	}
	if got[0].Name != "high" || got[1].Name != "low" {
		t.Errorf("order = %s, %s", got[0].Name, got[1].Name)
	}
	for _, j := range got {
		if j.State != job.StateRunning || j.StartedAt == nil {
			t.Errorf("job %s not claimed: state=%s", j.Name, j.State)
		}
	}

	again, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("claimed jobs dequeued twice: %d", len(again))
	}
}

func TestJobPromoteAwaiting(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	parent := newJob("parent", "default", job.StateRunning, 0)
	child := newJob("child", "default", job.StateAwaiting, 0)
	child.ParentID = parent.ID
	child.RunAt = time.Time{}
	unrelated := newJob("unrelated", "default", job.StateAwaiting, 0)
	unrelated.ParentID = id.NewJobID()

	for _, j := range []*job.Job{parent, child, unrelated} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	n, err := s.PromoteAwaiting(ctx, parent.ID)
	if err != nil {
		t.Fatalf("PromoteAwaiting: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}

	got, _ := s.GetJob(ctx, child.ID)
	if got.State != job.StatePending || got.RunAt.IsZero() {
		t.Errorf("child state=%s run_at=%v", got.State, got.RunAt)
	}
	still, _ := s.GetJob(ctx, unrelated.ID)
	if still.State != job.StateAwaiting {
		t.Errorf("unrelated state = %s, want awaiting", still.State)
	}

	n, _ = s.PromoteAwaiting(ctx, parent.ID)
	if n != 0 {
		t.Errorf("second promotion = %d, want 0", n)
	}
}

func TestJobListByBatchAndState(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	batchID := id.NewBatchID()
	for i := range 3 {
		j := newJob("member", "default", job.StatePending, 0)
		j.BatchID = batchID
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if err := s.EnqueueJob(ctx, newJob("loner", "default", job.StateFailed, 0)); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	members, err := s.ListJobsByBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("ListJobsByBatch: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("batch members = %d, want 3", len(members))
	}

	failed, err := s.ListJobsByState(ctx, job.StateFailed, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(failed) != 1 || failed[0].Name != "loner" {
		t.Errorf("failed jobs = %+v", failed)
	}

	page, _ := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Offset: 1, Limit: 1})
	if len(page) != 1 {
		t.Errorf("page size = %d, want 1", len(page))
	}

	count, _ := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if count != 3 {
		t.Errorf("CountJobs = %d, want 3", count)
	}
}

func TestJobHeartbeatAndReapStale(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("beating", "default", job.StatePending, 0)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.DequeueJobs(ctx, nil, 1); err != nil {
		t.Fatalf("DequeueJobs: %v", err)
	}
	if err := s.HeartbeatJob(ctx, j.ID, id.NewWorkerID()); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}

	stale, _ := s.ReapStaleJobs(ctx, time.Hour)
	if len(stale) != 0 {
		t.Errorf("fresh job reported stale")
	}

	time.Sleep(20 * time.Millisecond)
	stale, _ = s.ReapStaleJobs(ctx, 10*time.Millisecond)
	if len(stale) != 1 {
		t.Errorf("stale jobs = %d, want 1", len(stale))
	}
}

func TestJobUpdateAndDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("mutable", "default", job.StatePending, 0)
	_ = s.EnqueueJob(ctx, j)

	j.State = job.StateCompleted
	j.Result = []byte(`{"ok":true}`)
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateCompleted || string(got.Result) != `{"ok":true}` {
		t.Errorf("got state=%s result=%s", got.State, got.Result)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, flowbridge.ErrJobNotFound) {
		t.Errorf("second DeleteJob error = %v", err)
	}
	if err := s.UpdateJob(ctx, j); !errors.Is(err, flowbridge.ErrJobNotFound) {
		t.Errorf("UpdateJob after delete error = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Workflow Store tests
// ──────────────────────────────────────────────────

func newRun(name string, state workflow.RunState) *workflow.Run {
	return &workflow.Run{
		Entity:    flowbridge.NewEntity(),
		ID:        id.NewRunID(),
		Name:      name,
		Version:   1,
		State:     state,
		Input:     []byte(`{"order":1}`),
		StartedAt: time.Now().UTC(),
	}
}

func TestWorkflowRuns(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	run := newRun("checkout", workflow.RunStatePending)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Mutating the caller's value does not reach the store.
	run.State = workflow.RunStateCompleted
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != workflow.RunStatePending {
		t.Errorf("state = %s, want pending", got.State)
	}

	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.State != workflow.RunStateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, flowbridge.ErrRunNotFound) {
		t.Errorf("GetRun unknown error = %v", err)
	}
}

func TestWorkflowListRuns(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, r := range []*workflow.Run{
		newRun("a", workflow.RunStateRunning),
		newRun("a", workflow.RunStateSuspended),
		newRun("b", workflow.RunStateCompleted),
	} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	unfinished, err := s.ListRuns(ctx, workflow.ListOpts{
		States: []workflow.RunState{workflow.RunStateRunning, workflow.RunStateSuspended},
	})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(unfinished) != 2 {
		t.Errorf("unfinished = %d, want 2", len(unfinished))
	}

	named, _ := s.ListRuns(ctx, workflow.ListOpts{Name: "b"})
	if len(named) != 1 || named[0].Name != "b" {
		t.Errorf("named = %+v", named)
	}
}

func TestWorkflowCheckpoints(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	runID := id.NewRunID()

	data, err := s.GetCheckpoint(ctx, runID, "missing")
	if err != nil || data != nil {
		t.Fatalf("GetCheckpoint missing = %v, %v", data, err)
	}

	if err := s.SaveCheckpoint(ctx, runID, "empty", nil); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	data, _ = s.GetCheckpoint(ctx, runID, "empty")
	if data == nil {
		t.Error("empty checkpoint must read back non-nil")
	}

	_ = s.SaveCheckpoint(ctx, runID, "charge", []byte("v1"))
	_ = s.SaveCheckpoint(ctx, runID, "charge", []byte("v2"))
	data, _ = s.GetCheckpoint(ctx, runID, "charge")
	if string(data) != "v2" {
		t.Errorf("checkpoint = %q, want v2", data)
	}

	list, _ := s.ListCheckpoints(ctx, runID)
	if len(list) != 2 {
		t.Errorf("checkpoints = %d, want 2", len(list))
	}
}

func TestWorkflowStepHistory(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	runID := id.NewRunID()
	now := time.Now().UTC()

	save := func(name string, state workflow.StepState) {
		t.Helper()
		if err := s.SaveStep(ctx, &workflow.StepRecord{RunID: runID, Name: name, State: state, StartedAt: now}); err != nil {
			t.Fatalf("SaveStep: %v", err)
		}
	}

	save("reserve", workflow.StepStateRunning)
	save("reserve", workflow.StepStateCompleted)
	save("charge", workflow.StepStateRunning)
	save("charge", workflow.StepStateFailed)
	save("charge", workflow.StepStateRunning)

	steps, err := s.ListSteps(ctx, runID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].Name != "reserve" || steps[0].State != workflow.StepStateCompleted || steps[0].Attempts != 1 {
		t.Errorf("steps[0] = %+v", steps[0])
	}
	if steps[1].Name != "charge" || steps[1].State != workflow.StepStateRunning || steps[1].Attempts != 2 {
		t.Errorf("steps[1] = %+v", steps[1])
	}
}

// ──────────────────────────────────────────────────
// Cron Store tests
// ──────────────────────────────────────────────────

func newEntry(name string) *cron.Entry {
	return &cron.Entry{
		Entity:   flowbridge.NewEntity(),
		ID:       id.NewCronID(),
		Name:     name,
		Schedule: "@hourly",
		JobName:  "workflow:report",
		Enabled:  true,
	}
}

func TestCronRegisterAndLookup(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e := newEntry("nightly")
	if err := s.RegisterCron(ctx, e); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	if err := s.RegisterCron(ctx, newEntry("nightly")); !errors.Is(err, flowbridge.ErrDuplicateCron) {
		t.Errorf("duplicate RegisterCron error = %v", err)
	}

	byName, err := s.GetCronByName(ctx, "nightly")
	if err != nil {
		t.Fatalf("GetCronByName: %v", err)
	}
	if byName.ID.String() != e.ID.String() {
		t.Errorf("GetCronByName id = %s, want %s", byName.ID, e.ID)
	}
	if _, err := s.GetCronByName(ctx, "missing"); !errors.Is(err, flowbridge.ErrCronNotFound) {
		t.Errorf("GetCronByName missing error = %v", err)
	}

	if err := s.DeleteCron(ctx, e.ID); err != nil {
		t.Fatalf("DeleteCron: %v", err)
	}
	list, _ := s.ListCrons(ctx)
	if len(list) != 0 {
		t.Errorf("entries after delete = %d", len(list))
	}
}

func TestCronLocking(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e := newEntry("locked")
	_ = s.RegisterCron(ctx, e)
	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	ok, err := s.AcquireCronLock(ctx, e.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("w1 acquire = %v, %v", ok, err)
	}
	ok, _ = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	if ok {
		t.Fatal("w2 acquired a held lock")
	}

	// Updating the entry does not drop the lock.
	e.Enabled = false
	_ = s.UpdateCronEntry(ctx, e)
	ok, _ = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	if ok {
		t.Fatal("lock lost on UpdateCronEntry")
	}

	_ = s.ReleaseCronLock(ctx, e.ID, w1)
	ok, _ = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	if !ok {
		t.Fatal("w2 could not acquire released lock")
	}

	// An expired lock can be taken over.
	ok, _ = s.AcquireCronLock(ctx, e.ID, w1, time.Minute)
	if ok {
		t.Fatal("w1 took an unexpired lock")
	}
	_ = s.ReleaseCronLock(ctx, e.ID, w2)
	_, _ = s.AcquireCronLock(ctx, e.ID, w2, time.Nanosecond)
	time.Sleep(time.Millisecond)
	ok, _ = s.AcquireCronLock(ctx, e.ID, w1, time.Minute)
	if !ok {
		t.Fatal("w1 could not take over an expired lock")
	}
}

func TestCronUpdateLastRun(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e := newEntry("last-run")
	_ = s.RegisterCron(ctx, e)

	at := time.Now().UTC()
	jobID := id.NewJobID()
	if err := s.UpdateCronLastRun(ctx, e.ID, at, jobID); err != nil {
		t.Fatalf("UpdateCronLastRun: %v", err)
	}
	got, _ := s.GetCron(ctx, e.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, at)
	}
	if got.LastJobID.String() != jobID.String() {
		t.Errorf("LastJobID = %s, want %s", got.LastJobID, jobID)
	}
	if err := s.UpdateCronLastRun(ctx, id.NewCronID(), at, jobID); !errors.Is(err, flowbridge.ErrCronNotFound) {
		t.Errorf("unknown entry error = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Event Store tests
// ──────────────────────────────────────────────────

func TestEventOrderAndAck(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := &event.Event{ID: id.NewEventID(), Name: "approved", Payload: []byte(`1`), CreatedAt: time.Now().UTC()}
	second := &event.Event{ID: id.NewEventID(), Name: "approved", Payload: []byte(`2`), CreatedAt: time.Now().UTC()}
	_ = s.PublishEvent(ctx, first)
	_ = s.PublishEvent(ctx, second)

	got, err := s.SubscribeEvent(ctx, "approved", time.Second)
	if err != nil || got == nil {
		t.Fatalf("SubscribeEvent = %v, %v", got, err)
	}
	if got.ID.String() != first.ID.String() {
		t.Errorf("got %s, want oldest %s", got.ID, first.ID)
	}

	if err := s.AckEvent(ctx, first.ID); err != nil {
		t.Fatalf("AckEvent: %v", err)
	}
	got, _ = s.SubscribeEvent(ctx, "approved", time.Second)
	if got == nil || got.ID.String() != second.ID.String() {
		t.Errorf("after ack got %v, want %s", got, second.ID)
	}

	if err := s.AckEvent(ctx, id.NewEventID()); !errors.Is(err, flowbridge.ErrEventNotFound) {
		t.Errorf("AckEvent unknown error = %v", err)
	}
}

func TestEventSubscribeContextCancel(t *testing.T) {
	t.Parallel()
	s := New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.SubscribeEvent(ctx, "never", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
