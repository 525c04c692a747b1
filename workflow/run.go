package workflow

import (
	"encoding/json"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
)

// RunState represents the lifecycle state of a workflow run.
type RunState string

const (
	// RunStatePending means the run is persisted but has not begun executing.
	RunStatePending RunState = "pending"
	// RunStateRunning means the handler is executing.
	RunStateRunning RunState = "running"
	// RunStateSuspended means the handler is parked in Sleep or WaitForEvent.
	RunStateSuspended RunState = "suspended"
	// RunStateCompleted means the handler returned nil.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means the handler returned an error.
	RunStateFailed RunState = "failed"
	// RunStateCancelled means the run was cancelled through Runner.Cancel.
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the run will not execute again.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// Run is a single execution of a workflow, also called an instance.
type Run struct {
	flowbridge.Entity

	ID          id.RunID        `json:"id"`
	Name        string          `json:"name"`
	Version     int             `json:"version"`
	State       RunState        `json:"state"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StepState is the lifecycle state of one step within a run.
type StepState string

const (
	StepStateRunning   StepState = "running"
	StepStateSleeping  StepState = "sleeping"
	StepStateWaiting   StepState = "waiting"
	StepStateCompleted StepState = "completed"
	StepStateFailed    StepState = "failed"
	StepStateCancelled StepState = "cancelled"
)

// StepRecord is one entry of a run's step history.
type StepRecord struct {
	RunID       id.RunID   `json:"run_id"`
	Name        string     `json:"name"`
	State       StepState  `json:"state"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint stores the serialized result of a completed step so that a
// resumed run skips it.
type Checkpoint struct {
	RunID     id.RunID  `json:"run_id"`
	StepName  string    `json:"step_name"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}
