// Package workflow is the durable workflow engine the execution bridge
// drives.
//
// A workflow is a typed [Definition] whose handler composes durable steps
// on a [*Workflow]: [Workflow.Step], [StepWithResult], [Workflow.Parallel],
// [Workflow.Sleep] and [Workflow.WaitForEvent]. Completed steps are
// checkpointed, so a run resumed after a crash skips them. Every step also
// writes a [StepRecord], which is the step history shown on the dashboard.
//
// [Runner.StartRaw] persists a run and executes it on its own goroutine,
// detached from the caller's cancellation; callers observe progress through
// the [Store]. Runs move through
//
//	pending → running ⇄ suspended → completed | failed | cancelled
//
// [Runner.Cancel] cancels an in-flight run cooperatively and
// [Runner.ResumeAll] restarts runs interrupted by a process restart.
package workflow
