package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
)

// WaitForCompletion waits up to timeout for instanceID to finish and
// returns its outcome. A stored terminal outcome is returned directly.
// When the timeout elapses the error matches flowbridge.ErrCancelled.
// A non-positive timeout waits until ctx ends.
func (b *Bridge) WaitForCompletion(ctx context.Context, instanceID string, timeout time.Duration) (*outcome.Outcome, error) {
	stored, err := b.store.ResultFor(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/bridge: look up outcome of %s: %w", instanceID, err)
	}
	if stored.Terminal() {
		return stored, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	createdAt := b.now().UTC()
	if stored != nil {
		createdAt = stored.CreatedAt
	}

	o, view, err := b.poll(ctx, instanceID, createdAt)
	if err != nil {
		return nil, err
	}
	if view == nil {
		// Nothing to seal for an instance that does not exist.
		return o, nil
	}
	if !view.CreatedAt.IsZero() && stored == nil {
		o.CreatedAt = view.CreatedAt.UTC()
	}

	jobID, err := b.store.JobIDFor(ctx, instanceID)
	if err != nil {
		b.logger.Warn("cannot resolve job of instance",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()),
		)
	}
	return b.record(ctx, jobID, o)
}

// Result returns the current outcome of instanceID without waiting or
// storing anything. It is nil when the instance is unknown everywhere.
func (b *Bridge) Result(ctx context.Context, instanceID string) (*outcome.Outcome, error) {
	stored, err := b.store.ResultFor(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/bridge: look up outcome of %s: %w", instanceID, err)
	}
	if stored.Terminal() {
		return stored, nil
	}

	view, err := b.reader.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/bridge: read instance %s: %w", instanceID, err)
	}
	if view == nil {
		return stored, nil
	}
	if o := b.terminal(instanceID, view, view.CreatedAt); o != nil {
		return o, nil
	}
	return outcome.InProgress(instanceID, view.Status, view.Data, view.CreatedAt), nil
}

// CancelWorkflow stops instanceID and seals a cancelled outcome for it.
// When the instance had already finished, the sealed outcome is returned
// instead. The starter must implement Canceller.
func (b *Bridge) CancelWorkflow(ctx context.Context, instanceID string) (*outcome.Outcome, error) {
	c, ok := b.starter.(Canceller)
	if !ok {
		return nil, flowbridge.ErrCancelUnsupported
	}

	if err := c.CancelWorkflow(ctx, instanceID); err != nil {
		if !errors.Is(err, flowbridge.ErrInvalidState) {
			return nil, fmt.Errorf("flowbridge/bridge: cancel instance %s: %w", instanceID, err)
		}
		// Already finished: report what it finished with.
		return b.WaitForCompletion(ctx, instanceID, 0)
	}

	createdAt := b.now().UTC()
	if stored, err := b.store.ResultFor(ctx, instanceID); err == nil && stored != nil {
		createdAt = stored.CreatedAt
	}

	jobID, err := b.store.JobIDFor(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/bridge: resolve job of %s: %w", instanceID, err)
	}
	b.transition(jobID, instanceID, stateCancelled)
	return b.record(ctx, jobID, outcome.Terminated(instanceID, outcome.MsgWorkflowCancelled, createdAt, b.now()))
}

// TerminatedError fails a job whose workflow ended terminated.
type TerminatedError struct {
	Outcome *outcome.Outcome
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("workflow instance %q terminated: %s", e.Outcome.WorkflowInstanceID, e.Outcome.ErrorMessage)
}

// JobHandler adapts r into a job handler. The handler returns the JSON
// encoded outcome as the job result. With failOnTerminated a terminated
// outcome also fails the job, so the scheduler's retry policy applies.
func (b *Bridge) JobHandler(r *Runner, failOnTerminated bool) job.HandlerFunc {
	return func(ctx context.Context, j *job.Job) ([]byte, error) {
		o, err := b.Execute(ctx, r, j.ID.String(), j.Payload)
		if err != nil && o == nil {
			return nil, err
		}

		res, encErr := json.Marshal(o)
		if encErr != nil {
			return nil, fmt.Errorf("flowbridge/bridge: encode outcome: %w", encErr)
		}
		if err != nil {
			return res, err
		}
		if failOnTerminated && o.Status == outcome.StatusTerminated {
			return res, &TerminatedError{Outcome: o}
		}
		return res, nil
	}
}
