package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/outcome"
)

// Mapping is one job to instance correlation.
type Mapping struct {
	JobID      string    `json:"job_id"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists job to instance correlations and instance outcomes.
// Infrastructure failures wrap flowbridge.ErrStorageUnavailable.
type Store interface {
	// PutMapping records that jobID launched instanceID. An existing mapping
	// for jobID is replaced.
	PutMapping(ctx context.Context, jobID, instanceID string) error

	// InstanceIDFor returns the instance mapped to jobID, or "".
	InstanceIDFor(ctx context.Context, jobID string) (string, error)

	// JobIDFor returns the job mapped to instanceID, or "".
	JobIDFor(ctx context.Context, instanceID string) (string, error)

	// PutResult stores the outcome of instanceID. Invalid outcomes return
	// flowbridge.ErrInvalidOutcome; a stored terminal outcome returns
	// flowbridge.ErrOutcomeSealed.
	PutResult(ctx context.Context, instanceID string, o *outcome.Outcome) error

	// ResultFor returns the stored outcome of instanceID, or nil.
	ResultFor(ctx context.Context, instanceID string) (*outcome.Outcome, error)

	// RemoveMapping deletes the mapping of jobID in both directions together
	// with the instance's outcome. It reports whether a mapping existed.
	RemoveMapping(ctx context.Context, jobID string) (bool, error)

	// Mappings returns a copy of every jobID to instanceID pair.
	Mappings(ctx context.Context) (map[string]string, error)

	// PurgeOlderThan removes every mapping created strictly before cutoff,
	// along with its reverse entry and outcome, and returns how many
	// mappings were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Lifecycle is implemented by backends that own a connection.
type Lifecycle interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend is a correlation Store with a connection lifecycle. The operator
// CLI works against it.
type Backend interface {
	Store
	Lifecycle
}

// CheckMapping validates a mapping before it is stored. Backends call it
// first in PutMapping.
func CheckMapping(jobID, instanceID string) error {
	if jobID == "" || instanceID == "" {
		return fmt.Errorf("%w: job %q instance %q", flowbridge.ErrInvalidMapping, jobID, instanceID)
	}
	return nil
}

// CheckResult validates o before it is stored under instanceID. Backends
// call it first in PutResult.
func CheckResult(instanceID string, o *outcome.Outcome) error {
	if instanceID == "" {
		return fmt.Errorf("%w: empty instance id", flowbridge.ErrInvalidOutcome)
	}
	return o.Validate()
}
