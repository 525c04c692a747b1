// Package correlation defines the durable link between a background job
// and the workflow instance it launched, plus the last known outcome of
// each instance.
//
// The mapping is bidirectional and one-to-one at any moment: writing a new
// instance for a job drops the job's previous reverse entry, and claiming
// an instance already owned by another job drops that job's forward entry.
// Lookups of unknown keys are not errors; they return "" or nil.
//
// A terminal outcome seals its instance. Later PutResult calls return
// flowbridge.ErrOutcomeSealed and leave the stored outcome untouched, so a
// completed job can never be reported as anything else.
//
// Backends live under store/: memory, redis, postgres and mongo. The
// storetest package holds the behavioural suite every backend runs.
package correlation
