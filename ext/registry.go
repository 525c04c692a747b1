package ext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

// Registry fans lifecycle events out to extensions in registration order.
// Hook errors are logged and never reach the caller. The registry satisfies
// workflow.RunEmitter, cron.Emitter and bridge.Emitter.
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds e. It may be called while events are being emitted.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions = append(r.extensions, e)
}

// Extensions returns the registered extensions.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.extensions...)
}

// each calls fn for every extension implementing H.
func each[H any](r *Registry, hook string, fn func(H) error) {
	for _, e := range r.Extensions() {
		h, ok := e.(H)
		if !ok {
			continue
		}
		if err := fn(h); err != nil {
			r.logger.Warn("extension hook failed",
				slog.String("hook", hook),
				slog.String("extension", e.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	each(r, "OnJobEnqueued", func(h JobEnqueued) error { return h.OnJobEnqueued(ctx, j) })
}

func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	each(r, "OnJobStarted", func(h JobStarted) error { return h.OnJobStarted(ctx, j) })
}

func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	each(r, "OnJobCompleted", func(h JobCompleted) error { return h.OnJobCompleted(ctx, j, elapsed) })
}

func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	each(r, "OnJobFailed", func(h JobFailed) error { return h.OnJobFailed(ctx, j, jobErr) })
}

func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	each(r, "OnJobRetrying", func(h JobRetrying) error { return h.OnJobRetrying(ctx, j, attempt, nextRunAt) })
}

func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	each(r, "OnJobCancelled", func(h JobCancelled) error { return h.OnJobCancelled(ctx, j) })
}

// ──────────────────────────────────────────────────
// Workflow runs
// ──────────────────────────────────────────────────

func (r *Registry) EmitWorkflowStarted(ctx context.Context, run *workflow.Run) {
	each(r, "OnWorkflowStarted", func(h WorkflowStarted) error { return h.OnWorkflowStarted(ctx, run) })
}

func (r *Registry) EmitStepCompleted(ctx context.Context, run *workflow.Run, stepName string, elapsed time.Duration) {
	each(r, "OnWorkflowStepCompleted", func(h WorkflowStepCompleted) error {
		return h.OnWorkflowStepCompleted(ctx, run, stepName, elapsed)
	})
}

func (r *Registry) EmitStepFailed(ctx context.Context, run *workflow.Run, stepName string, stepErr error) {
	each(r, "OnWorkflowStepFailed", func(h WorkflowStepFailed) error {
		return h.OnWorkflowStepFailed(ctx, run, stepName, stepErr)
	})
}

func (r *Registry) EmitWorkflowCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) {
	each(r, "OnWorkflowCompleted", func(h WorkflowCompleted) error { return h.OnWorkflowCompleted(ctx, run, elapsed) })
}

func (r *Registry) EmitWorkflowFailed(ctx context.Context, run *workflow.Run, runErr error) {
	each(r, "OnWorkflowFailed", func(h WorkflowFailed) error { return h.OnWorkflowFailed(ctx, run, runErr) })
}

func (r *Registry) EmitWorkflowCancelled(ctx context.Context, run *workflow.Run) {
	each(r, "OnWorkflowCancelled", func(h WorkflowCancelled) error { return h.OnWorkflowCancelled(ctx, run) })
}

// ──────────────────────────────────────────────────
// Outcomes, cron, shutdown
// ──────────────────────────────────────────────────

func (r *Registry) EmitOutcomeRecorded(ctx context.Context, jobID string, o *outcome.Outcome) {
	each(r, "OnOutcomeRecorded", func(h OutcomeRecorded) error { return h.OnOutcomeRecorded(ctx, jobID, o) })
}

func (r *Registry) EmitCronFired(ctx context.Context, entryName string, jobID id.JobID) {
	each(r, "OnCronFired", func(h CronFired) error { return h.OnCronFired(ctx, entryName, jobID) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	each(r, "OnShutdown", func(h Shutdown) error { return h.OnShutdown(ctx) })
}
