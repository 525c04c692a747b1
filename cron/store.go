package cron

import (
	"context"
	"time"

	"github.com/xraph/flowbridge/id"
)

// Store defines the persistence contract for recurring entries.
type Store interface {
	// RegisterCron persists a new entry. A duplicate name returns
	// flowbridge.ErrDuplicateCron.
	RegisterCron(ctx context.Context, entry *Entry) error

	// GetCron retrieves an entry by ID.
	GetCron(ctx context.Context, entryID id.CronID) (*Entry, error)

	// GetCronByName retrieves an entry by its recurring id.
	GetCronByName(ctx context.Context, name string) (*Entry, error)

	// ListCrons returns all entries.
	ListCrons(ctx context.Context) ([]*Entry, error)

	// AcquireCronLock attempts to take the per-entry firing lock. The lock
	// expires after ttl so a crashed worker cannot hold it forever.
	AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseCronLock releases the lock if workerID holds it.
	ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error

	// UpdateCronLastRun records when an entry last fired and the job it
	// produced.
	UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time, jobID id.JobID) error

	// UpdateCronEntry replaces the mutable fields of an entry.
	UpdateCronEntry(ctx context.Context, entry *Entry) error

	// DeleteCron removes an entry by ID.
	DeleteCron(ctx context.Context, entryID id.CronID) error
}
