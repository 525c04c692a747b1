package instance

import (
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

// MapRunState translates a workflow run state. States the mapping does not
// know are treated as still running so a poller keeps waiting.
func MapRunState(s workflow.RunState) outcome.Status {
	switch s {
	case workflow.RunStatePending:
		return outcome.StatusPending
	case workflow.RunStateRunning:
		return outcome.StatusRunning
	case workflow.RunStateSuspended:
		return outcome.StatusSuspended
	case workflow.RunStateCompleted:
		return outcome.StatusComplete
	case workflow.RunStateFailed, workflow.RunStateCancelled:
		return outcome.StatusTerminated
	default:
		return outcome.StatusRunning
	}
}

// MapStepState translates the state of one step.
func MapStepState(s workflow.StepState) outcome.Status {
	switch s {
	case workflow.StepStateRunning:
		return outcome.StatusRunning
	case workflow.StepStateSleeping, workflow.StepStateWaiting:
		return outcome.StatusSuspended
	case workflow.StepStateCompleted:
		return outcome.StatusComplete
	case workflow.StepStateFailed, workflow.StepStateCancelled:
		return outcome.StatusTerminated
	default:
		return outcome.StatusRunning
	}
}
