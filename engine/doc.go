// Package engine wires the job scheduler, the workflow runner and the
// execution bridge into one application-level API.
//
// The root flowbridge package defines Entity, which every subsystem
// imports, so it cannot import them back. Engine sits above all of them.
//
// # Building an Engine
//
//	d, err := flowbridge.New(
//	    flowbridge.WithStore(redisStore),
//	    flowbridge.WithConcurrency(20),
//	    flowbridge.WithWorkflowPollInterval(500*time.Millisecond),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithSnapshotProvider(snapshot.ContextProvider{}),
//	    engine.WithQueueConfig(queue.Config{Name: "critical", RateLimit: 100}),
//	)
//
// # Workflows as jobs
//
//	engine.RegisterWorkflow(eng, ProcessOrder)
//
//	j, err := engine.EnqueueWorkflow(ctx, eng, "process-order", order)
//	engine.ScheduleWorkflow(ctx, eng, "process-order", order, time.Hour)
//	engine.ContinueWorkflowWith(ctx, eng, j.ID, "ship-order", order)
//	engine.AddOrUpdateRecurringWorkflow(ctx, eng, "nightly", "reconcile", in, "0 2 * * *")
//
// Each enqueued workflow job starts one workflow instance, waits for it and
// stores the instance's Outcome as the job result. The job-to-instance
// mapping lives in the correlation store, so a job picked up again after a
// crash reattaches to its instance instead of starting a second one.
//
// # Batches
//
//	b := eng.CreateBatch()
//	b.Add("resize", img1)
//	b.Add("resize", img2)
//	b.ContinueWith("publish", album)
//	batchID, err := b.Enqueue(ctx)
package engine
