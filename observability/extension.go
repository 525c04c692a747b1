package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.JobEnqueued       = (*MetricsExtension)(nil)
	_ ext.JobCompleted      = (*MetricsExtension)(nil)
	_ ext.JobFailed         = (*MetricsExtension)(nil)
	_ ext.JobRetrying       = (*MetricsExtension)(nil)
	_ ext.JobCancelled      = (*MetricsExtension)(nil)
	_ ext.WorkflowStarted   = (*MetricsExtension)(nil)
	_ ext.WorkflowCompleted = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed    = (*MetricsExtension)(nil)
	_ ext.OutcomeRecorded   = (*MetricsExtension)(nil)
	_ ext.CronFired         = (*MetricsExtension)(nil)
)

// MetricsExtension counts lifecycle events on an OpenTelemetry meter.
type MetricsExtension struct {
	jobEnqueued       metric.Int64Counter
	jobCompleted      metric.Int64Counter
	jobFailed         metric.Int64Counter
	jobRetried        metric.Int64Counter
	jobCancelled      metric.Int64Counter
	workflowStarted   metric.Int64Counter
	workflowCompleted metric.Int64Counter
	workflowFailed    metric.Int64Counter
	outcomeRecorded   metric.Int64Counter
	cronFired         metric.Int64Counter
}

// NewMetricsExtension uses the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter("github.com/xraph/flowbridge/observability"))
}

// NewMetricsExtensionWithMeter registers the counters on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// A failed registration still returns a usable noop counter.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		jobEnqueued:       counter("flowbridge.job.enqueued", "Jobs accepted by the store"),
		jobCompleted:      counter("flowbridge.job.completed", "Jobs finished successfully"),
		jobFailed:         counter("flowbridge.job.failed", "Jobs failed with no retries left"),
		jobRetried:        counter("flowbridge.job.retried", "Job retries scheduled"),
		jobCancelled:      counter("flowbridge.job.cancelled", "Jobs cancelled by deletion"),
		workflowStarted:   counter("flowbridge.workflow.started", "Workflow runs started"),
		workflowCompleted: counter("flowbridge.workflow.completed", "Workflow runs completed"),
		workflowFailed:    counter("flowbridge.workflow.failed", "Workflow runs failed"),
		outcomeRecorded:   counter("flowbridge.outcome.recorded", "Terminal outcomes recorded by the bridge"),
		cronFired:         counter("flowbridge.cron.fired", "Recurring entries fired"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func queueAttr(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("queue", j.Queue))
}

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, queueAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.jobCompleted.Add(ctx, 1, queueAttr(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, queueAttr(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, queueAttr(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, queueAttr(j))
	return nil
}

// OnWorkflowStarted implements ext.WorkflowStarted.
func (m *MetricsExtension) OnWorkflowStarted(ctx context.Context, r *workflow.Run) error {
	m.workflowStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", r.Name)))
	return nil
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (m *MetricsExtension) OnWorkflowCompleted(ctx context.Context, r *workflow.Run, _ time.Duration) error {
	m.workflowCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", r.Name)))
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, r *workflow.Run, _ error) error {
	m.workflowFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", r.Name)))
	return nil
}

// OnOutcomeRecorded implements ext.OutcomeRecorded.
func (m *MetricsExtension) OnOutcomeRecorded(ctx context.Context, _ string, o *outcome.Outcome) error {
	m.outcomeRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
	return nil
}

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string, _ id.JobID) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", entryName)))
	return nil
}
