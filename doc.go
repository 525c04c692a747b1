// Package flowbridge runs durable, multi-step workflows as background jobs.
//
// A job scheduler hands each job to the execution bridge, which starts a
// workflow instance from the job payload, records the job to instance
// correlation, polls the instance until it reaches a terminal state and
// turns the result into an [outcome.Outcome] that becomes the job's result.
// Optional request metadata captured when the job was submitted travels
// with the payload so the workflow can see who asked for it.
//
// # Quick Start
//
//	d, err := flowbridge.New(
//	    flowbridge.WithStore(memory.New()),
//	    flowbridge.WithConcurrency(20),
//	)
//	eng, err := engine.Build(d)
//	engine.RegisterWorkflow(eng, ProcessOrder)
//	j, err := engine.EnqueueWorkflow(ctx, eng, "process-order", Order{ID: 42})
//
// # Architecture
//
// Each subsystem (job, workflow, cron, event, correlation) defines its own
// store interface and a single backend may implement all of them. The
// correlation store, which the bridge depends on for crash safety, has
// Redis, PostgreSQL and MongoDB backends in addition to the in-memory one.
//
// All entity IDs are TypeIDs: prefixed, K-sortable, UUIDv7-based.
package flowbridge
