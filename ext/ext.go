// Package ext lets extensions observe the lifecycle of jobs, workflow runs,
// outcomes and cron entries.
//
// Every hook is its own interface. An extension implements [Extension] plus
// whichever hooks it cares about; the [Registry] discovers them with type
// assertions.
package ext

import (
	"context"
	"time"

	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

// Extension is implemented by everything that can be registered.
type Extension interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Job hooks
// ──────────────────────────────────────────────────

// JobEnqueued observes jobs accepted by the store, including continuations
// that start out awaiting their parent.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted observes a worker picking a job up.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted observes successful jobs.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed observes jobs that failed with no retries left.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying observes failed jobs that were rescheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled observes jobs stopped through deletion.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Workflow hooks
// ──────────────────────────────────────────────────

// WorkflowStarted observes a run beginning to execute.
type WorkflowStarted interface {
	OnWorkflowStarted(ctx context.Context, r *workflow.Run) error
}

// WorkflowStepCompleted observes finished steps.
type WorkflowStepCompleted interface {
	OnWorkflowStepCompleted(ctx context.Context, r *workflow.Run, stepName string, elapsed time.Duration) error
}

// WorkflowStepFailed observes failed steps.
type WorkflowStepFailed interface {
	OnWorkflowStepFailed(ctx context.Context, r *workflow.Run, stepName string, err error) error
}

// WorkflowCompleted observes runs whose handler returned nil.
type WorkflowCompleted interface {
	OnWorkflowCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error
}

// WorkflowFailed observes runs whose handler returned an error.
type WorkflowFailed interface {
	OnWorkflowFailed(ctx context.Context, r *workflow.Run, err error) error
}

// WorkflowCancelled observes cancelled runs.
type WorkflowCancelled interface {
	OnWorkflowCancelled(ctx context.Context, r *workflow.Run) error
}

// ──────────────────────────────────────────────────
// Bridge and cron hooks
// ──────────────────────────────────────────────────

// OutcomeRecorded observes terminal outcomes stored by the bridge.
type OutcomeRecorded interface {
	OnOutcomeRecorded(ctx context.Context, jobID string, o *outcome.Outcome) error
}

// CronFired observes recurring entries enqueueing their job.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error
}

// Shutdown is called once while the engine stops.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
