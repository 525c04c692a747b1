// Package bridge runs workflow instances on behalf of background jobs.
//
// A [Runner] describes how a job payload becomes the input of one workflow.
// The [Bridge] validates that payload, starts the workflow through a
// [Starter], records the job-to-instance correlation, polls the instance
// through an instance.Reader and normalizes the result into an
// outcome.Outcome stored in the correlation store.
//
// Polling is the only way the bridge learns about progress, so a worker
// that restarts mid-execution simply reattaches to the instance its job is
// already mapped to.
//
//	b := bridge.New(runner, instance.NewRunReader(store), store)
//	o, err := b.Execute(ctx, bridge.For[Order]("checkout"), jobID, payload)
package bridge
