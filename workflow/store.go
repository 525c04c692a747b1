package workflow

import (
	"context"

	"github.com/xraph/flowbridge/id"
)

// ListOpts controls pagination for workflow run list queries.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// States filters by run state. Empty means all states.
	States []RunState
	// Name filters by workflow name. Empty means all workflows.
	Name string
}

// Store defines the persistence contract for workflows.
type Store interface {
	// CreateRun persists a new workflow run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a workflow run by ID. Unknown ids return
	// flowbridge.ErrRunNotFound.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to an existing workflow run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns workflow runs matching the given options, oldest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// SaveCheckpoint persists checkpoint data for a step, replacing any
	// previous checkpoint for the same run and step.
	SaveCheckpoint(ctx context.Context, runID id.RunID, stepName string, data []byte) error

	// GetCheckpoint returns checkpoint data for a step, or nil when the step
	// has not completed.
	GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) ([]byte, error)

	// ListCheckpoints returns all checkpoints for a run.
	ListCheckpoints(ctx context.Context, runID id.RunID) ([]*Checkpoint, error)

	// SaveStep upserts a step record keyed by run and step name. The first
	// save of a name fixes its position in the history. Attempts starts at
	// one and grows each time a finished step re-enters running.
	SaveStep(ctx context.Context, rec *StepRecord) error

	// ListSteps returns the step history of a run in first-seen order.
	ListSteps(ctx context.Context, runID id.RunID) ([]*StepRecord, error)
}
