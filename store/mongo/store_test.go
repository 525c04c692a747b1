//go:build integration

package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/correlation/storetest"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

// Each test gets its own database, dropped on cleanup.
func newStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(testURI, fmt.Sprintf("flowbridge_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestCorrelationConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) correlation.Store { return newStore(t) })
}

func TestPing(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
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
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)
	assert.Equal(t, job.StateRunning, claimed[0].State)
	assert.NotNil(t, claimed[0].HeartbeatAt)

	n, err := s.PromoteAwaiting(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, high.ID, got.ParentID)

	count, err := s.CountJobs(ctx, job.CountOpts{Queue: "default", State: job.StateRunning})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	require.NoError(t, s.DeleteJob(ctx, low.ID))
	assert.ErrorIs(t, s.DeleteJob(ctx, low.ID), flowbridge.ErrJobNotFound)
}

func TestStepsKeepFirstSeenOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	runID := id.NewRunID()
	start := time.Now().UTC()

	save := func(name string, state workflow.StepState) {
		require.NoError(t, s.SaveStep(ctx, &workflow.StepRecord{
			RunID: runID, Name: name, State: state, StartedAt: start,
		}))
	}
	save("b", workflow.StepStateRunning)
	save("a", workflow.StepStateRunning)
	save("b", workflow.StepStateFailed)
	save("b", workflow.StepStateRunning)
	save("b", workflow.StepStateCompleted)

	steps, err := s.ListSteps(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "b", steps[0].Name)
	assert.Equal(t, 2, steps[0].Attempts)
	assert.Equal(t, workflow.StepStateCompleted, steps[0].State)
	assert.Equal(t, "a", steps[1].Name)
	assert.Equal(t, 1, steps[1].Attempts)
}

func TestCheckpoints(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	runID := id.NewRunID()

	data, err := s.GetCheckpoint(ctx, runID, "missing")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveCheckpoint(ctx, runID, "empty", nil))
	data, err = s.GetCheckpoint(ctx, runID, "empty")
	require.NoError(t, err)
	assert.NotNil(t, data)

	require.NoError(t, s.SaveCheckpoint(ctx, runID, "empty", []byte(`{"n":1}`)))
	cps, err := s.ListCheckpoints(ctx, runID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.JSONEq(t, `{"n":1}`, string(cps[0].Data))
}
