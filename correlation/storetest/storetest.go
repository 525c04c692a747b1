// Package storetest is the behavioural suite every correlation backend must
// pass. Backend tests call Run with a factory that returns an empty store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/outcome"
)

// Factory returns an empty store. Cleanup belongs in t.Cleanup.
type Factory func(t *testing.T) correlation.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s correlation.Store)
	}{
		{"UnknownLookups", testUnknownLookups},
		{"BidirectionalMapping", testBidirectionalMapping},
		{"OverwriteDropsStaleReverse", testOverwriteDropsStaleReverse},
		{"InstanceClaimedByAnotherJob", testInstanceClaimedByAnotherJob},
		{"InvalidMapping", testInvalidMapping},
		{"ResultRoundTrip", testResultRoundTrip},
		{"NonTerminalResultOverwritable", testNonTerminalResultOverwritable},
		{"TerminalResultSealed", testTerminalResultSealed},
		{"InvalidResult", testInvalidResult},
		{"RemoveMapping", testRemoveMapping},
		{"MappingsSnapshot", testMappingsSnapshot},
		{"PurgeOlderThan", testPurgeOlderThan},
		{"ConcurrentPuts", testConcurrentPuts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func completed(instanceID string) *outcome.Outcome {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return outcome.Completed(instanceID, json.RawMessage(`{"total":42}`), now.Add(-time.Second), now)
}

func testUnknownLookups(t *testing.T, s correlation.Store) {
	ctx := context.Background()

	instanceID, err := s.InstanceIDFor(ctx, "job-missing")
	require.NoError(t, err)
	assert.Empty(t, instanceID)

	jobID, err := s.JobIDFor(ctx, "instance-missing")
	require.NoError(t, err)
	assert.Empty(t, jobID)

	res, err := s.ResultFor(ctx, "instance-missing")
	require.NoError(t, err)
	assert.Nil(t, res)

	removed, err := s.RemoveMapping(ctx, "job-missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testBidirectionalMapping(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutMapping(ctx, "job-1", "inst-1"))

	instanceID, err := s.InstanceIDFor(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", instanceID)

	jobID, err := s.JobIDFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
}

func testOverwriteDropsStaleReverse(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutMapping(ctx, "job-1", "inst-old"))
	require.NoError(t, s.PutMapping(ctx, "job-1", "inst-new"))

	instanceID, err := s.InstanceIDFor(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-new", instanceID)

	jobID, err := s.JobIDFor(ctx, "inst-old")
	require.NoError(t, err)
	assert.Empty(t, jobID, "stale reverse entry must be removed")

	jobID, err = s.JobIDFor(ctx, "inst-new")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
}

func testInstanceClaimedByAnotherJob(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutMapping(ctx, "job-a", "inst-1"))
	require.NoError(t, s.PutMapping(ctx, "job-b", "inst-1"))

	instanceID, err := s.InstanceIDFor(ctx, "job-a")
	require.NoError(t, err)
	assert.Empty(t, instanceID)

	jobID, err := s.JobIDFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "job-b", jobID)

	mappings, err := s.Mappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job-b": "inst-1"}, mappings)
}

func testInvalidMapping(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	assert.ErrorIs(t, s.PutMapping(ctx, "", "inst-1"), flowbridge.ErrInvalidMapping)
	assert.ErrorIs(t, s.PutMapping(ctx, "job-1", ""), flowbridge.ErrInvalidMapping)
}

func testResultRoundTrip(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	want := completed("inst-1")
	require.NoError(t, s.PutResult(ctx, "inst-1", want))

	got, err := s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, outcome.StatusComplete, got.Status)
	assert.Equal(t, "inst-1", got.WorkflowInstanceID)
	assert.JSONEq(t, `{"total":42}`, string(got.Data))
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, *want.CompletedAt, *got.CompletedAt, time.Millisecond)
	assert.WithinDuration(t, want.CreatedAt, got.CreatedAt, time.Millisecond)

	// Mutating the returned value must not leak into the store.
	got.Status = outcome.StatusRunning
	again, err := s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, outcome.StatusComplete, again.Status)
}

func testNonTerminalResultOverwritable(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.PutResult(ctx, "inst-1", outcome.InProgress("inst-1", outcome.StatusRunning, nil, now)))
	require.NoError(t, s.PutResult(ctx, "inst-1", outcome.InProgress("inst-1", outcome.StatusSuspended, nil, now)))

	got, err := s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, outcome.StatusSuspended, got.Status)

	require.NoError(t, s.PutResult(ctx, "inst-1", outcome.Terminated("inst-1", "boom", now, now)))
	got, err = s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, outcome.StatusTerminated, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func testTerminalResultSealed(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.PutResult(ctx, "inst-1", completed("inst-1")))

	err := s.PutResult(ctx, "inst-1", outcome.Terminated("inst-1", "late failure", now, now))
	require.ErrorIs(t, err, flowbridge.ErrOutcomeSealed)

	err = s.PutResult(ctx, "inst-1", outcome.InProgress("inst-1", outcome.StatusRunning, nil, now))
	require.ErrorIs(t, err, flowbridge.ErrOutcomeSealed)

	got, err := s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, outcome.StatusComplete, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func testInvalidResult(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	bad := &outcome.Outcome{WorkflowInstanceID: "inst-1", Status: outcome.StatusComplete, CreatedAt: now}
	assert.ErrorIs(t, s.PutResult(ctx, "inst-1", bad), flowbridge.ErrInvalidOutcome)
	assert.ErrorIs(t, s.PutResult(ctx, "inst-1", nil), flowbridge.ErrInvalidOutcome)
	assert.ErrorIs(t, s.PutResult(ctx, "", completed("")), flowbridge.ErrInvalidOutcome)

	got, err := s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testRemoveMapping(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutMapping(ctx, "job-1", "inst-1"))
	require.NoError(t, s.PutResult(ctx, "inst-1", completed("inst-1")))

	removed, err := s.RemoveMapping(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, removed)

	instanceID, err := s.InstanceIDFor(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, instanceID)

	jobID, err := s.JobIDFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, jobID)

	res, err := s.ResultFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Nil(t, res)

	removed, err = s.RemoveMapping(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testMappingsSnapshot(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.PutMapping(ctx, fmt.Sprintf("job-%d", i), fmt.Sprintf("inst-%d", i)))
	}

	got, err := s.Mappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job-0": "inst-0", "job-1": "inst-1", "job-2": "inst-2"}, got)

	got["job-0"] = "tampered"
	delete(got, "job-1")

	again, err := s.Mappings(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	assert.Equal(t, "inst-0", again["job-0"])
}

func testPurgeOlderThan(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutMapping(ctx, "job-old", "inst-old"))
	require.NoError(t, s.PutResult(ctx, "inst-old", completed("inst-old")))

	time.Sleep(50 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.PutMapping(ctx, "job-new", "inst-new"))
	require.NoError(t, s.PutResult(ctx, "inst-new", completed("inst-new")))
	// An outcome without a mapping is left alone.
	require.NoError(t, s.PutResult(ctx, "inst-orphan", completed("inst-orphan")))

	n, err := s.PurgeOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	instanceID, err := s.InstanceIDFor(ctx, "job-old")
	require.NoError(t, err)
	assert.Empty(t, instanceID)
	jobID, err := s.JobIDFor(ctx, "inst-old")
	require.NoError(t, err)
	assert.Empty(t, jobID)
	res, err := s.ResultFor(ctx, "inst-old")
	require.NoError(t, err)
	assert.Nil(t, res)

	instanceID, err = s.InstanceIDFor(ctx, "job-new")
	require.NoError(t, err)
	assert.Equal(t, "inst-new", instanceID)
	res, err = s.ResultFor(ctx, "inst-new")
	require.NoError(t, err)
	assert.NotNil(t, res)
	res, err = s.ResultFor(ctx, "inst-orphan")
	require.NoError(t, err)
	assert.NotNil(t, res)

	n, err = s.PurgeOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentPuts(t *testing.T, s correlation.Store) {
	ctx := context.Background()
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := fmt.Sprintf("job-%d", i)
			instanceID := fmt.Sprintf("inst-%d", i)
			if err := s.PutMapping(ctx, jobID, instanceID); err != nil {
				errs <- err
				return
			}
			if err := s.PutResult(ctx, instanceID, completed(instanceID)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	mappings, err := s.Mappings(ctx)
	require.NoError(t, err)
	assert.Len(t, mappings, n)
	for i := range n {
		jobID, lookupErr := s.JobIDFor(ctx, fmt.Sprintf("inst-%d", i))
		require.NoError(t, lookupErr)
		assert.Equal(t, fmt.Sprintf("job-%d", i), jobID)
	}
}
