// Package ext notifies extensions about job, workflow and outcome events.
//
// Each hook is a separate interface; an extension opts in by implementing it.
//
//	type auditor struct{}
//
//	func (auditor) Name() string { return "auditor" }
//
//	func (auditor) OnOutcomeRecorded(ctx context.Context, jobID string, o *outcome.Outcome) error {
//		slog.InfoContext(ctx, "outcome", "job", jobID, "status", o.Status)
//		return nil
//	}
//
// Job hooks: [JobEnqueued], [JobStarted], [JobCompleted], [JobFailed],
// [JobRetrying] and [JobCancelled].
//
// Workflow hooks: [WorkflowStarted], [WorkflowStepCompleted],
// [WorkflowStepFailed], [WorkflowCompleted], [WorkflowFailed] and
// [WorkflowCancelled].
//
// [OutcomeRecorded] fires once per job when the bridge seals its outcome.
package ext
