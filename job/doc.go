// Package job defines the job entity, state machine, typed definitions,
// and store interface.
//
// A [Job] progresses through a small state machine:
//
//	pending → running → completed
//	pending → running → retrying → running → ...
//	pending → running → failed
//	awaiting → pending → ...          (continuations)
//	pending|awaiting|running → cancelled
//
// Continuations carry a ParentID naming a job or a batch; the worker
// executor promotes them once the parent completes.
//
// Handlers are type-erased [HandlerFunc] values. Typed [Definition]s are
// adapted with [RegisterDefinition]; the workflow bridge registers raw
// handlers with [Registry.Register] so that the workflow outcome becomes
// the job's Result.
package job
