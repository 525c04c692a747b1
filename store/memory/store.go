package memory

import (
	"context"
	"sync"

	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

// Ensure Store implements every subsystem store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store           = (*Store)(nil)
	_ workflow.Store      = (*Store)(nil)
	_ cron.Store          = (*Store)(nil)
	_ event.Store         = (*Store)(nil)
	_ correlation.Backend = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
//
// Jobs, runs, recurring entries and events share one lock. Correlations
// live in independently locked shards so bridge traffic for different jobs
// never contends.
type Store struct {
	mu sync.RWMutex

	jobs        map[string]*job.Job
	runs        map[string]*workflow.Run
	checkpoints map[string]*workflow.Checkpoint // key: "runID:stepName"
	steps       map[string][]*workflow.StepRecord
	crons       map[string]*cron.Entry
	events      map[string]*event.Event
	eventSeq    []string

	corr *shards
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Job),
		runs:        make(map[string]*workflow.Run),
		checkpoints: make(map[string]*workflow.Checkpoint),
		steps:       make(map[string][]*workflow.StepRecord),
		crons:       make(map[string]*cron.Entry),
		events:      make(map[string]*event.Event),
		corr:        newShards(defaultShardCount),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
