// Package cron fires recurring entries on a schedule.
//
// An [Entry] names a recurring id, a cron expression, the job to enqueue
// and a fixed payload. The [Scheduler] checks due entries on every tick and
// takes a per-entry lock in the store before enqueueing, so several
// processes sharing a store fire each occurrence at most once.
//
// Expressions use the standard five fields plus descriptors such as
// "@hourly" and "@every 30s".
package cron
