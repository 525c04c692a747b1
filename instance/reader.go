// Package instance gives the execution bridge and the dashboard a read-only
// view of workflow instances, with engine states normalized to
// outcome.Status.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

// Reader looks up workflow instances.
type Reader interface {
	// GetInstance returns the instance with the given ID, or nil when it is
	// unknown. Errors are reserved for infrastructure failures.
	GetInstance(ctx context.Context, instanceID string) (*View, error)
}

// View is a point-in-time picture of one workflow instance.
type View struct {
	ID          string          `json:"id"`
	Workflow    string          `json:"workflow"`
	Version     int             `json:"version"`
	Status      outcome.Status  `json:"status"`
	EngineState string          `json:"engine_state"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Steps       []StepView      `json:"steps"`
}

// StepView is one entry of an instance's step execution history.
type StepView struct {
	Name        string         `json:"name"`
	Status      outcome.Status `json:"status"`
	EngineState string         `json:"engine_state"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RunReader reads instances from a workflow.Store.
type RunReader struct {
	store workflow.Store
}

var _ Reader = (*RunReader)(nil)

// NewRunReader returns a Reader over the workflow engine's store.
func NewRunReader(store workflow.Store) *RunReader {
	return &RunReader{store: store}
}

// GetInstance implements Reader. IDs that are not workflow run IDs are
// reported as unknown.
func (r *RunReader) GetInstance(ctx context.Context, instanceID string) (*View, error) {
	runID, err := id.ParseRunID(instanceID)
	if err != nil {
		return nil, nil //nolint:nilerr // a foreign id is simply not ours
	}

	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, flowbridge.ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flowbridge/instance: get run %s: %w", instanceID, err)
	}

	steps, err := r.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/instance: list steps of %s: %w", instanceID, err)
	}

	return newView(run, steps), nil
}

func newView(run *workflow.Run, steps []*workflow.StepRecord) *View {
	v := &View{
		ID:          run.ID.String(),
		Workflow:    run.Name,
		Version:     run.Version,
		Status:      MapRunState(run.State),
		EngineState: string(run.State),
		Data:        run.Input,
		Error:       run.Error,
		CurrentStep: run.CurrentStep,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
		Steps:       make([]StepView, 0, len(steps)),
	}
	// A completed run reports its output, or its own data when no step set one.
	if run.State == workflow.RunStateCompleted && len(run.Output) > 0 {
		v.Data = run.Output
	}
	for _, s := range steps {
		v.Steps = append(v.Steps, StepView{
			Name:        s.Name,
			Status:      MapStepState(s.State),
			EngineState: string(s.State),
			Attempts:    s.Attempts,
			Error:       s.Error,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return v
}
