package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/workflow"
)

func copyRun(r *workflow.Run) *workflow.Run {
	cp := *r
	if r.Input != nil {
		cp.Input = append([]byte(nil), r.Input...)
	}
	if r.Output != nil {
		cp.Output = append([]byte(nil), r.Output...)
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func copyStep(s *workflow.StepRecord) *workflow.StepRecord {
	cp := *s
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// CreateRun persists a new workflow run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return flowbridge.ErrInvalidState
	}
	m.runs[key] = copyRun(run)
	return nil
}

// GetRun retrieves a workflow run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, flowbridge.ErrRunNotFound
	}
	return copyRun(r), nil
}

// UpdateRun persists changes to an existing workflow run.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; !ok {
		return flowbridge.ErrRunNotFound
	}
	cp := copyRun(run)
	cp.UpdatedAt = time.Now().UTC()
	m.runs[key] = cp
	return nil
}

// ListRuns returns workflow runs matching the given options, oldest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Run, 0)
	for _, r := range m.runs {
		if len(opts.States) > 0 && !slices.Contains(opts.States, r.State) {
			continue
		}
		if opts.Name != "" && r.Name != opts.Name {
			continue
		}
		result = append(result, copyRun(r))
	}

	sort.SliceStable(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// checkpointKey builds a composite map key for a checkpoint.
func checkpointKey(runID id.RunID, stepName string) string {
	return runID.String() + ":" + stepName
}

// SaveCheckpoint persists checkpoint data for a workflow step. Empty data
// is kept non-nil so the step still reads as checkpointed.
func (m *Store) SaveCheckpoint(_ context.Context, runID id.RunID, stepName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[checkpointKey(runID, stepName)] = &workflow.Checkpoint{
		RunID:     runID,
		StepName:  stepName,
		Data:      append([]byte{}, data...),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// GetCheckpoint retrieves checkpoint data for a specific workflow step.
func (m *Store) GetCheckpoint(_ context.Context, runID id.RunID, stepName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[checkpointKey(runID, stepName)]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, cp.Data...), nil
}

// ListCheckpoints returns all checkpoints for a workflow run.
func (m *Store) ListCheckpoints(_ context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := runID.String()
	var result []*workflow.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.RunID.String() != key {
			continue
		}
		c := *cp
		c.Data = append([]byte{}, cp.Data...)
		result = append(result, &c)
	}

	sort.SliceStable(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].StepName < result[k].StepName
	})
	return result, nil
}

// SaveStep upserts a step record.
func (m *Store) SaveStep(_ context.Context, rec *workflow.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.RunID.String()
	history := m.steps[key]
	for i, existing := range history {
		if existing.Name != rec.Name {
			continue
		}
		next := copyStep(rec)
		next.Attempts = existing.Attempts
		if rec.State == workflow.StepStateRunning && existing.State != workflow.StepStateRunning {
			next.Attempts++
		}
		history[i] = next
		return nil
	}

	next := copyStep(rec)
	if next.Attempts < 1 {
		next.Attempts = 1
	}
	m.steps[key] = append(history, next)
	return nil
}

// ListSteps returns the step history of a run in first-seen order.
func (m *Store) ListSteps(_ context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.steps[runID.String()]
	result := make([]*workflow.StepRecord, len(history))
	for i, s := range history {
		result[i] = copyStep(s)
	}
	return result, nil
}
