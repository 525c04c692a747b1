package audithook

// Actions, one per lifecycle hook.
const (
	ActionJobEnqueued           = "job.enqueued"
	ActionJobStarted            = "job.started"
	ActionJobCompleted          = "job.completed"
	ActionJobFailed             = "job.failed"
	ActionJobRetrying           = "job.retrying"
	ActionJobCancelled          = "job.cancelled"
	ActionWorkflowStarted       = "workflow.started"
	ActionWorkflowStepCompleted = "workflow.step_completed"
	ActionWorkflowStepFailed    = "workflow.step_failed"
	ActionWorkflowCompleted     = "workflow.completed"
	ActionWorkflowFailed        = "workflow.failed"
	ActionWorkflowCancelled     = "workflow.cancelled"
	ActionOutcomeRecorded       = "outcome.recorded"
	ActionCronFired             = "cron.fired"
)

const (
	CategoryJob      = "flowbridge.job"
	CategoryWorkflow = "flowbridge.workflow"
	CategoryBridge   = "flowbridge.bridge"
	CategoryCron     = "flowbridge.cron"
)

const (
	ResourceJob      = "job"
	ResourceWorkflow = "workflow_run"
	ResourceCron     = "cron_entry"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action the extension emits.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobCancelled,
		ActionWorkflowStarted,
		ActionWorkflowStepCompleted,
		ActionWorkflowStepFailed,
		ActionWorkflowCompleted,
		ActionWorkflowFailed,
		ActionWorkflowCancelled,
		ActionOutcomeRecorded,
		ActionCronFired,
	}
}
