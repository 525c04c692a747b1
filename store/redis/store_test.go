package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/codec"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/correlation/storetest"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

func newStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func TestCorrelationConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) correlation.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestCorrelationConformance_JSONCodec(t *testing.T) {
	storetest.Run(t, func(t *testing.T) correlation.Store {
		s, _ := newStore(t, WithCodec(codec.JSON{}))
		return s
	})
}

func TestLifecycle(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	mr.Close()
	assert.ErrorIs(t, s.Ping(ctx), flowbridge.ErrStorageUnavailable)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	_, err = Open("not a url")
	assert.Error(t, err)
}

func TestKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := New(client, WithKeyPrefix("a:"))
	b := New(client, WithKeyPrefix("b:"))
	require.NoError(t, a.PutMapping(ctx, "job-1", "inst-1"))

	got, err := b.InstanceIDFor(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, mr.Exists("a:corr:forward"))
}

func newJob(queue string, priority int, runAt time.Time) *job.Job {
	return &job.Job{
		Entity:     flowbridge.NewEntity(),
		ID:         id.NewJobID(),
		Name:       "charge",
		Queue:      queue,
		Payload:    []byte(`{"amount":10}`),
		State:      job.StatePending,
		Priority:   priority,
		MaxRetries: 3,
		RunAt:      runAt,
		Timeout:    time.Minute,
	}
}

func TestJob_RoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	j := newJob("default", 2, time.Now().UTC())
	j.ParentID = id.NewJobID()
	require.NoError(t, s.EnqueueJob(ctx, j))
	assert.ErrorIs(t, s.EnqueueJob(ctx, j), flowbridge.ErrJobAlreadyExists)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID.String(), got.ID.String())
	assert.Equal(t, j.ParentID.String(), got.ParentID.String())
	assert.Equal(t, "charge", got.Name)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, time.Minute, got.Timeout)
	assert.JSONEq(t, `{"amount":10}`, string(got.Payload))
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.BatchID.IsNil())

	_, err = s.GetJob(ctx, id.NewJobID())
	assert.ErrorIs(t, err, flowbridge.ErrJobNotFound)
}

func TestDequeue_PriorityThenRunAt(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := newJob("default", 0, now.Add(-2*time.Second))
	highLate := newJob("default", 5, now.Add(-time.Second))
	highEarly := newJob("other", 5, now.Add(-3*time.Second))
	future := newJob("default", 9, now.Add(time.Hour))
	for _, j := range []*job.Job{low, highLate, highEarly, future} {
		require.NoError(t, s.EnqueueJob(ctx, j))
	}

	claimed, err := s.DequeueJobs(ctx, []string{"default", "other"}, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, highEarly.ID.String(), claimed[0].ID.String())
	assert.Equal(t, highLate.ID.String(), claimed[1].ID.String())
	for _, j := range claimed {
		assert.Equal(t, job.StateRunning, j.State)
		assert.NotNil(t, j.StartedAt)
		assert.NotNil(t, j.HeartbeatAt)
	}

	claimed, err = s.DequeueJobs(ctx, []string{"default", "other"}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, low.ID.String(), claimed[0].ID.String())

	claimed, err = s.DequeueJobs(ctx, []string{"default"}, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "future job is not due")
}

func TestUpdateJob_RequeuesRetrying(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	j := newJob("default", 0, time.Now().UTC())
	require.NoError(t, s.EnqueueJob(ctx, j))
	claimed, err := s.DequeueJobs(ctx, []string{"default"}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	r := claimed[0]
	r.State = job.StateRetrying
	r.RetryCount = 1
	r.LastError = "boom"
	r.RunAt = time.Now().UTC().Add(-time.Millisecond)
	require.NoError(t, s.UpdateJob(ctx, r))

	again, err := s.DequeueJobs(ctx, []string{"default"}, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].RetryCount)
	assert.Equal(t, "boom", again[0].LastError)

	done := again[0]
	done.State = job.StateCompleted
	now := time.Now().UTC()
	done.CompletedAt = &now
	done.Result = []byte(`{"ok":true}`)
	require.NoError(t, s.UpdateJob(ctx, done))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	// Clearing an optional field on update sticks.
	got.CompletedAt = nil
	got.State = job.StateCancelled
	require.NoError(t, s.UpdateJob(ctx, got))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	assert.ErrorIs(t, s.UpdateJob(ctx, newJob("default", 0, now)), flowbridge.ErrJobNotFound)
}

func TestPromoteAwaiting(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	parent := id.NewJobID()
	child := newJob("default", 0, time.Time{})
	child.State = job.StateAwaiting
	child.ParentID = parent
	require.NoError(t, s.EnqueueJob(ctx, child))

	claimed, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "awaiting job must not be claimed")

	n, err := s.PromoteAwaiting(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)

	claimed, err = s.DequeueJobs(ctx, []string{"default"}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, child.ID.String(), claimed[0].ID.String())

	n, err = s.PromoteAwaiting(ctx, parent)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJobQueries(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	batch := id.NewBatchID()
	var members []*job.Job
	for range 3 {
		j := newJob("default", 0, time.Now().UTC())
		j.BatchID = batch
		require.NoError(t, s.EnqueueJob(ctx, j))
		members = append(members, j)
	}
	require.NoError(t, s.EnqueueJob(ctx, newJob("other", 0, time.Now().UTC())))

	inBatch, err := s.ListJobsByBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, inBatch, 3)

	pending, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Queue: "default", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	require.NoError(t, s.DeleteJob(ctx, members[0].ID))
	assert.ErrorIs(t, s.DeleteJob(ctx, members[0].ID), flowbridge.ErrJobNotFound)
	inBatch, err = s.ListJobsByBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, inBatch, 2)
}

func TestHeartbeatAndReap(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	j := newJob("default", 0, time.Now().UTC())
	require.NoError(t, s.EnqueueJob(ctx, j))
	_, err := s.DequeueJobs(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	worker := id.NewWorkerID()
	require.NoError(t, s.HeartbeatJob(ctx, j.ID, worker))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.String(), got.WorkerID.String())

	stale, err := s.ReapStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	time.Sleep(5 * time.Millisecond)
	stale, err = s.ReapStaleJobs(ctx, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	assert.ErrorIs(t, s.HeartbeatJob(ctx, id.NewJobID(), worker), flowbridge.ErrJobNotFound)
}

func TestRunsAndSteps(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	run := &workflow.Run{
		Entity:    flowbridge.NewEntity(),
		ID:        id.NewRunID(),
		Name:      "checkout",
		Version:   2,
		State:     workflow.RunStatePending,
		Input:     []byte(`{"order":1}`),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.ErrorIs(t, s.CreateRun(ctx, run), flowbridge.ErrInvalidState)

	run.State = workflow.RunStateRunning
	run.CurrentStep = "reserve"
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "reserve", got.CurrentStep)
	assert.Nil(t, got.Output)

	runs, err := s.ListRuns(ctx, workflow.ListOpts{States: []workflow.RunState{workflow.RunStateRunning}})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	runs, err = s.ListRuns(ctx, workflow.ListOpts{Name: "other"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = s.GetRun(ctx, id.NewRunID())
	assert.ErrorIs(t, err, flowbridge.ErrRunNotFound)

	started := time.Now().UTC()
	step := func(name string, state workflow.StepState) *workflow.StepRecord {
		return &workflow.StepRecord{RunID: run.ID, Name: name, State: state, StartedAt: started}
	}
	require.NoError(t, s.SaveStep(ctx, step("reserve", workflow.StepStateRunning)))
	require.NoError(t, s.SaveStep(ctx, step("charge", workflow.StepStateRunning)))
	require.NoError(t, s.SaveStep(ctx, step("reserve", workflow.StepStateFailed)))
	require.NoError(t, s.SaveStep(ctx, step("reserve", workflow.StepStateRunning)))

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "reserve", steps[0].Name)
	assert.Equal(t, 2, steps[0].Attempts)
	assert.Equal(t, "charge", steps[1].Name)
	assert.Equal(t, 1, steps[1].Attempts)

	data, err := s.GetCheckpoint(ctx, run.ID, "reserve")
	require.NoError(t, err)
	assert.Nil(t, data)
	require.NoError(t, s.SaveCheckpoint(ctx, run.ID, "reserve", []byte(`"ok"`)))
	require.NoError(t, s.SaveCheckpoint(ctx, run.ID, "sleep:wait", nil))
	data, err = s.GetCheckpoint(ctx, run.ID, "sleep:wait")
	require.NoError(t, err)
	assert.NotNil(t, data)

	cps, err := s.ListCheckpoints(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestCronEntries(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	e := &cron.Entry{
		Entity:   flowbridge.NewEntity(),
		ID:       id.NewCronID(),
		Name:     "nightly",
		Schedule: "0 3 * * *",
		JobName:  "workflow:report",
		Enabled:  true,
	}
	require.NoError(t, s.RegisterCron(ctx, e))
	dup := *e
	dup.ID = id.NewCronID()
	assert.ErrorIs(t, s.RegisterCron(ctx, &dup), flowbridge.ErrDuplicateCron)

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	ok, err := s.AcquireCronLock(ctx, e.ID, w1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetCronByName(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, w1.String(), got.LockedBy)
	require.NotNil(t, got.LockedUntil)

	got.Schedule = "0 4 * * *"
	require.NoError(t, s.UpdateCronEntry(ctx, got))
	got, err = s.GetCron(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", got.Schedule)
	assert.Equal(t, w1.String(), got.LockedBy, "update keeps the lock")

	require.NoError(t, s.ReleaseCronLock(ctx, e.ID, w2))
	ok, err = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")
	require.NoError(t, s.ReleaseCronLock(ctx, e.ID, w1))
	ok, err = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	jobID := id.NewJobID()
	at := time.Now().UTC()
	require.NoError(t, s.UpdateCronLastRun(ctx, e.ID, at, jobID))
	got, err = s.GetCron(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, jobID.String(), got.LastJobID.String())
	require.NotNil(t, got.LastRunAt)

	list, err := s.ListCrons(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteCron(ctx, e.ID))
	_, err = s.GetCronByName(ctx, "nightly")
	assert.ErrorIs(t, err, flowbridge.ErrCronNotFound)
	_, err = s.AcquireCronLock(ctx, e.ID, w1, time.Minute)
	assert.ErrorIs(t, err, flowbridge.ErrCronNotFound)
	require.NoError(t, s.RegisterCron(ctx, &dup), "name is free again")
}

func TestEvents(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	evt, err := s.SubscribeEvent(ctx, "approved", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, evt)

	first := &event.Event{ID: id.NewEventID(), Name: "approved", Payload: []byte(`1`), CreatedAt: time.Now().UTC()}
	second := &event.Event{ID: id.NewEventID(), Name: "approved", Payload: []byte(`2`), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PublishEvent(ctx, first))
	require.NoError(t, s.PublishEvent(ctx, second))

	evt, err = s.SubscribeEvent(ctx, "approved", time.Second)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, first.ID.String(), evt.ID.String())

	require.NoError(t, s.AckEvent(ctx, first.ID))
	evt, err = s.SubscribeEvent(ctx, "approved", time.Second)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, second.ID.String(), evt.ID.String())

	assert.ErrorIs(t, s.AckEvent(ctx, id.NewEventID()), flowbridge.ErrEventNotFound)
}
