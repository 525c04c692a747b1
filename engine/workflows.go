package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/bridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/snapshot"
	"github.com/xraph/flowbridge/workflow"
)

// RegisterWorkflow registers def with the workflow engine and a bridge job
// named bridge.JobName(def.Name) that runs it.
func RegisterWorkflow[T any](eng *Engine, def *workflow.Definition[T], opts ...bridge.RunnerOption) {
	workflow.RegisterDefinition(eng.wfRegistry, def)
	eng.registerRunner(bridge.For[T](def.Name, opts...))
}

// RegisterContextWorkflow registers a workflow whose input is an envelope
// carrying the submitter's request snapshot next to the data.
func RegisterContextWorkflow[T any](eng *Engine, def *workflow.Definition[snapshot.Envelope[T]]) {
	workflow.RegisterDefinition(eng.wfRegistry, def)
	eng.registerRunner(bridge.For[T](def.Name, bridge.ContextAware()))
}

func (eng *Engine) registerRunner(r *bridge.Runner) {
	name := bridge.JobName(r.Workflow())
	eng.runners.Register(name, r)
	eng.registry.Register(name, eng.bridge.JobHandler(r, eng.failOnTerminated))
}

// workflowPayload encodes data as the job payload of workflow name. For
// context-aware workflows the caller's snapshot is captured now.
func workflowPayload[T any](ctx context.Context, eng *Engine, name string, data T) (string, []byte, error) {
	jobName := bridge.JobName(name)
	r, ok := eng.runners.Get(jobName)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", flowbridge.ErrWorkflowNotRegistered, name)
	}

	var (
		payload []byte
		err     error
	)
	if r.IsContextAware() {
		payload, err = json.Marshal(snapshot.Wrap(data, eng.provider.Snapshot(ctx)))
	} else {
		payload, err = json.Marshal(data)
	}
	if err != nil {
		return "", nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}
	return jobName, payload, nil
}

// Workflow jobs are bounded by WorkflowMaxWait rather than the generic job
// timeout; an explicit job.WithTimeout still wins.
func workflowOpts(opts []job.Option) []job.Option {
	return append([]job.Option{job.WithTimeout(0)}, opts...)
}

// EnqueueWorkflow enqueues workflow name to run as soon as a worker is free.
func EnqueueWorkflow[T any](ctx context.Context, eng *Engine, name string, data T, opts ...job.Option) (*job.Job, error) {
	jobName, payload, err := workflowPayload(ctx, eng, name, data)
	if err != nil {
		return nil, err
	}
	return eng.EnqueueRaw(ctx, jobName, payload, workflowOpts(opts)...)
}

// ScheduleWorkflow enqueues workflow name to run after delay.
func ScheduleWorkflow[T any](ctx context.Context, eng *Engine, name string, data T, delay time.Duration, opts ...job.Option) (*job.Job, error) {
	return ScheduleWorkflowAt(ctx, eng, name, data, time.Now().Add(delay), opts...)
}

// ScheduleWorkflowAt enqueues workflow name to run at at.
func ScheduleWorkflowAt[T any](ctx context.Context, eng *Engine, name string, data T, at time.Time, opts ...job.Option) (*job.Job, error) {
	return EnqueueWorkflow(ctx, eng, name, data, append(opts, job.WithRunAt(at))...)
}

// ContinueWorkflowWith enqueues workflow name to run once parentID, a job
// or batch id, has completed successfully.
func ContinueWorkflowWith[T any](ctx context.Context, eng *Engine, parentID id.ID, name string, data T, opts ...job.Option) (*job.Job, error) {
	if parentID.IsNil() {
		return nil, fmt.Errorf("%w: empty parent id", flowbridge.ErrJobNotFound)
	}
	return EnqueueWorkflow(ctx, eng, name, data, append(opts, job.WithParent(parentID))...)
}

// AddOrUpdateRecurringWorkflow makes workflow name run on cronExpr under
// recurringID. An existing entry with that id is replaced.
func AddOrUpdateRecurringWorkflow[T any](
	ctx context.Context, eng *Engine, recurringID, name string, data T, cronExpr string, opts ...job.Option,
) error {
	sched, err := cron.ParseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", cronExpr, err)
	}
	jobName, payload, err := workflowPayload(ctx, eng, name, data)
	if err != nil {
		return err
	}
	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	next := sched.Next(time.Now().UTC())

	entry, err := eng.store.GetCronByName(ctx, recurringID)
	switch {
	case errors.Is(err, flowbridge.ErrCronNotFound):
		entry = &cron.Entry{
			Entity:    flowbridge.NewEntity(),
			ID:        id.NewCronID(),
			Name:      recurringID,
			Schedule:  cronExpr,
			JobName:   jobName,
			Queue:     o.Queue,
			Payload:   payload,
			NextRunAt: &next,
			Enabled:   true,
		}
		if err := eng.store.RegisterCron(ctx, entry); err != nil {
			return fmt.Errorf("flowbridge/engine: register recurring %q: %w", recurringID, err)
		}
	case err != nil:
		return fmt.Errorf("flowbridge/engine: look up recurring %q: %w", recurringID, err)
	default:
		entry.Schedule = cronExpr
		entry.JobName = jobName
		entry.Queue = o.Queue
		entry.Payload = payload
		entry.NextRunAt = &next
		entry.Enabled = true
		entry.Touch()
		if err := eng.store.UpdateCronEntry(ctx, entry); err != nil {
			return fmt.Errorf("flowbridge/engine: update recurring %q: %w", recurringID, err)
		}
	}

	eng.logger.Info("recurring workflow registered",
		slog.String("recurring_id", recurringID),
		slog.String("workflow", name),
		slog.String("schedule", cronExpr),
		slog.Time("next_run_at", next),
	)
	return nil
}

// RemoveRecurringWorkflow deletes the entry recurringID. Removing an
// unknown entry is not an error.
func (eng *Engine) RemoveRecurringWorkflow(ctx context.Context, recurringID string) error {
	entry, err := eng.store.GetCronByName(ctx, recurringID)
	if errors.Is(err, flowbridge.ErrCronNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("flowbridge/engine: look up recurring %q: %w", recurringID, err)
	}
	if err := eng.store.DeleteCron(ctx, entry.ID); err != nil && !errors.Is(err, flowbridge.ErrCronNotFound) {
		return fmt.Errorf("flowbridge/engine: remove recurring %q: %w", recurringID, err)
	}
	return nil
}

// TriggerRecurringWorkflow enqueues the entry's job now without moving its
// schedule.
func (eng *Engine) TriggerRecurringWorkflow(ctx context.Context, recurringID string) (id.JobID, error) {
	entry, err := eng.store.GetCronByName(ctx, recurringID)
	if err != nil {
		return id.Nil, fmt.Errorf("flowbridge/engine: trigger recurring %q: %w", recurringID, err)
	}
	return eng.scheduler.Trigger(ctx, entry)
}

// DeleteJob cancels a job. A running job is interrupted through its context
// and marked cancelled by its worker; any other job is marked cancelled
// directly. It reports false for unknown or already cancelled jobs.
func (eng *Engine) DeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if errors.Is(err, flowbridge.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("flowbridge/engine: delete job %s: %w", jobID, err)
	}
	if j.State == job.StateCancelled {
		return false, nil
	}
	if j.State == job.StateRunning && eng.pool.CancelJob(jobID, flowbridge.ErrJobCancelled) {
		return true, nil
	}

	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	if err := eng.store.UpdateJob(ctx, j); err != nil {
		return false, fmt.Errorf("flowbridge/engine: delete job %s: %w", jobID, err)
	}
	eng.extensions.EmitJobCancelled(ctx, j)
	return true, nil
}

// RequeueJob puts a finished or waiting job back to pending with a fresh
// retry budget. Running jobs are left alone.
func (eng *Engine) RequeueJob(ctx context.Context, jobID id.JobID) (bool, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if errors.Is(err, flowbridge.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("flowbridge/engine: requeue job %s: %w", jobID, err)
	}
	if j.State == job.StateRunning {
		return false, nil
	}

	j.State = job.StatePending
	j.RunAt = time.Now().UTC()
	j.RetryCount = 0
	j.LastError = ""
	j.Result = nil
	j.CompletedAt = nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.WorkerID = id.Nil
	if err := eng.store.UpdateJob(ctx, j); err != nil {
		return false, fmt.Errorf("flowbridge/engine: requeue job %s: %w", jobID, err)
	}
	eng.extensions.EmitJobEnqueued(ctx, j)
	return true, nil
}
