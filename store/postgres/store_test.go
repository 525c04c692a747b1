//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/correlation/storetest"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, testDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE flowbridge_jobs, flowbridge_workflow_runs,
		flowbridge_checkpoints, flowbridge_steps, flowbridge_cron_entries,
		flowbridge_events, flowbridge_correlations, flowbridge_outcomes`)
	require.NoError(t, err)
	return s
}

func TestCorrelationConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) correlation.Store { return newStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestDequeueAndPromote(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(priority int, runAt time.Time, state job.State) *job.Job {
		return &job.Job{
			Entity:   flowbridge.NewEntity(),
			ID:       id.NewJobID(),
			Name:     "charge",
			Queue:    "default",
			State:    state,
			Priority: priority,
			RunAt:    runAt,
		}
	}
	low := mk(0, now.Add(-time.Second), job.StatePending)
	high := mk(5, now.Add(-time.Second), job.StatePending)
	later := mk(9, now.Add(time.Hour), job.StatePending)
	child := mk(0, now, job.StateAwaiting)
	child.ParentID = high.ID
	for _, j := range []*job.Job{low, high, later, child} {
		require.NoError(t, s.EnqueueJob(ctx, j))
	}
	assert.ErrorIs(t, s.EnqueueJob(ctx, low), flowbridge.ErrJobAlreadyExists)

	claimed, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID.String(), claimed[0].ID.String())
	assert.Equal(t, job.StateRunning, claimed[0].State)
	assert.NotNil(t, claimed[0].HeartbeatAt)

	n, err := s.PromoteAwaiting(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = s.DequeueJobs(ctx, []string{"default"}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, child.ID.String(), claimed[0].ID.String())
	assert.Equal(t, high.ID.String(), claimed[0].ParentID.String())
}

func TestStepsKeepFirstSeenOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := &workflow.Run{
		Entity:    flowbridge.NewEntity(),
		ID:        id.NewRunID(),
		Name:      "checkout",
		Version:   1,
		State:     workflow.RunStateRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.ErrorIs(t, s.CreateRun(ctx, run), flowbridge.ErrInvalidState)

	rec := func(name string, state workflow.StepState) *workflow.StepRecord {
		return &workflow.StepRecord{RunID: run.ID, Name: name, State: state, StartedAt: time.Now().UTC()}
	}
	require.NoError(t, s.SaveStep(ctx, rec("b", workflow.StepStateRunning)))
	require.NoError(t, s.SaveStep(ctx, rec("a", workflow.StepStateRunning)))
	require.NoError(t, s.SaveStep(ctx, rec("b", workflow.StepStateFailed)))
	require.NoError(t, s.SaveStep(ctx, rec("b", workflow.StepStateRunning)))

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "b", steps[0].Name)
	assert.Equal(t, 2, steps[0].Attempts)
	assert.Equal(t, "a", steps[1].Name)
}

func TestCronLock(t *testing.T) {
	s := newStore(t)
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

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	ok, err := s.AcquireCronLock(ctx, e.ID, w1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseCronLock(ctx, e.ID, w1))
	ok, err = s.AcquireCronLock(ctx, e.ID, w2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.AcquireCronLock(ctx, id.NewCronID(), w1, time.Minute)
	assert.ErrorIs(t, err, flowbridge.ErrCronNotFound)
}
