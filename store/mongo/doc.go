// Package mongo implements store.Store on MongoDB with the official v2
// driver.
//
// Jobs are claimed one document at a time with FindOneAndUpdate sorted by
// priority and run_at. Correlations are documents keyed by job id with a
// unique index on the instance id; outcomes are keyed by instance id and a
// terminal one is never replaced. Step upserts use an update pipeline so
// the attempt count is computed server-side.
package mongo
