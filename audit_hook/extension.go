package audithook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

var (
	_ ext.Extension             = (*Extension)(nil)
	_ ext.JobEnqueued           = (*Extension)(nil)
	_ ext.JobStarted            = (*Extension)(nil)
	_ ext.JobCompleted          = (*Extension)(nil)
	_ ext.JobFailed             = (*Extension)(nil)
	_ ext.JobRetrying           = (*Extension)(nil)
	_ ext.JobCancelled          = (*Extension)(nil)
	_ ext.WorkflowStarted       = (*Extension)(nil)
	_ ext.WorkflowStepCompleted = (*Extension)(nil)
	_ ext.WorkflowStepFailed    = (*Extension)(nil)
	_ ext.WorkflowCompleted     = (*Extension)(nil)
	_ ext.WorkflowFailed        = (*Extension)(nil)
	_ ext.WorkflowCancelled     = (*Extension)(nil)
	_ ext.OutcomeRecorded       = (*Extension)(nil)
	_ ext.CronFired             = (*Extension)(nil)
)

// Extension turns lifecycle hooks into audit events.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil: every action
	logger   *slog.Logger
	now      func() time.Time
}

// New returns an Extension that hands events to r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

func jobEvent(action string, j *job.Job) *Event {
	return &Event{
		Action:     action,
		Category:   CategoryJob,
		Resource:   ResourceJob,
		ResourceID: j.ID.String(),
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
		Metadata:   map[string]any{"job_name": j.Name, "queue": j.Queue},
	}
}

func runEvent(action string, r *workflow.Run) *Event {
	return &Event{
		Action:     action,
		Category:   CategoryWorkflow,
		Resource:   ResourceWorkflow,
		ResourceID: r.ID.String(),
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
		Metadata:   map[string]any{"workflow": r.Name, "version": r.Version},
	}
}

// failed marks evt as a failure at severity, with err as the reason.
func failed(evt *Event, severity string, err error) *Event {
	evt.Severity = severity
	evt.Outcome = OutcomeFailure
	if err != nil {
		evt.Reason = err.Error()
	}
	return evt
}

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	evt := jobEvent(ActionJobEnqueued, j)
	if !j.ParentID.IsNil() {
		evt.Metadata["parent_id"] = j.ParentID.String()
	}
	if !j.BatchID.IsNil() {
		evt.Metadata["batch_id"] = j.BatchID.String()
	}
	return e.emit(ctx, evt)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	evt := jobEvent(ActionJobStarted, j)
	evt.Metadata["worker_id"] = j.WorkerID.String()
	return e.emit(ctx, evt)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	evt := jobEvent(ActionJobCompleted, j)
	evt.Metadata["elapsed_ms"] = elapsed.Milliseconds()
	return e.emit(ctx, evt)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	evt := failed(jobEvent(ActionJobFailed, j), SeverityCritical, jobErr)
	evt.Metadata["retry_count"] = j.RetryCount
	evt.Metadata["max_retries"] = j.MaxRetries
	return e.emit(ctx, evt)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	evt := failed(jobEvent(ActionJobRetrying, j), SeverityWarning, nil)
	evt.Reason = j.LastError
	evt.Metadata["attempt"] = attempt
	evt.Metadata["next_run_at"] = nextRunAt.UTC().Format(time.RFC3339)
	return e.emit(ctx, evt)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	evt := jobEvent(ActionJobCancelled, j)
	evt.Severity = SeverityWarning
	return e.emit(ctx, evt)
}

// OnWorkflowStarted implements ext.WorkflowStarted.
func (e *Extension) OnWorkflowStarted(ctx context.Context, r *workflow.Run) error {
	return e.emit(ctx, runEvent(ActionWorkflowStarted, r))
}

// OnWorkflowStepCompleted implements ext.WorkflowStepCompleted.
func (e *Extension) OnWorkflowStepCompleted(ctx context.Context, r *workflow.Run, stepName string, elapsed time.Duration) error {
	evt := runEvent(ActionWorkflowStepCompleted, r)
	evt.Metadata["step"] = stepName
	evt.Metadata["elapsed_ms"] = elapsed.Milliseconds()
	return e.emit(ctx, evt)
}

// OnWorkflowStepFailed implements ext.WorkflowStepFailed.
func (e *Extension) OnWorkflowStepFailed(ctx context.Context, r *workflow.Run, stepName string, stepErr error) error {
	evt := failed(runEvent(ActionWorkflowStepFailed, r), SeverityWarning, stepErr)
	evt.Metadata["step"] = stepName
	return e.emit(ctx, evt)
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (e *Extension) OnWorkflowCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
	evt := runEvent(ActionWorkflowCompleted, r)
	evt.Metadata["elapsed_ms"] = elapsed.Milliseconds()
	return e.emit(ctx, evt)
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (e *Extension) OnWorkflowFailed(ctx context.Context, r *workflow.Run, runErr error) error {
	return e.emit(ctx, failed(runEvent(ActionWorkflowFailed, r), SeverityCritical, runErr))
}

// OnWorkflowCancelled implements ext.WorkflowCancelled.
func (e *Extension) OnWorkflowCancelled(ctx context.Context, r *workflow.Run) error {
	evt := runEvent(ActionWorkflowCancelled, r)
	evt.Severity = SeverityWarning
	return e.emit(ctx, evt)
}

// OnOutcomeRecorded implements ext.OutcomeRecorded. The resource is the
// job whose workflow produced the outcome.
func (e *Extension) OnOutcomeRecorded(ctx context.Context, jobID string, o *outcome.Outcome) error {
	evt := &Event{
		Action:     ActionOutcomeRecorded,
		Category:   CategoryBridge,
		Resource:   ResourceJob,
		ResourceID: jobID,
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
		Metadata: map[string]any{
			"instance_id": o.WorkflowInstanceID,
			"status":      string(o.Status),
		},
	}
	if o.Status == outcome.StatusTerminated {
		evt.Severity = SeverityWarning
		evt.Outcome = OutcomeFailure
		evt.Reason = o.ErrorMessage
	}
	return e.emit(ctx, evt)
}

// OnCronFired implements ext.CronFired.
func (e *Extension) OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error {
	return e.emit(ctx, &Event{
		Action:     ActionCronFired,
		Category:   CategoryCron,
		Resource:   ResourceCron,
		ResourceID: entryName,
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
		Metadata:   map[string]any{"job_id": jobID.String()},
	})
}

// emit stamps and records evt when its action is enabled. It always
// returns nil so the audit trail never blocks the lifecycle.
func (e *Extension) emit(ctx context.Context, evt *Event) error {
	if e.enabled != nil && !e.enabled[evt.Action] {
		return nil
	}
	evt.At = e.now().UTC()
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit event not recorded",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
