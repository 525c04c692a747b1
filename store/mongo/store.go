package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/codec"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

const (
	colJobs         = "flowbridge_jobs"
	colWorkflowRuns = "flowbridge_workflow_runs"
	colCheckpoints  = "flowbridge_checkpoints"
	colSteps        = "flowbridge_steps"
	colCronEntries  = "flowbridge_cron_entries"
	colEvents       = "flowbridge_events"
	colCorrelations = "flowbridge_correlations"
	colOutcomes     = "flowbridge_outcomes"
)

var (
	_ job.Store           = (*Store)(nil)
	_ workflow.Store      = (*Store)(nil)
	_ cron.Store          = (*Store)(nil)
	_ event.Store         = (*Store)(nil)
	_ correlation.Backend = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store.
type Store struct {
	db     *mongod.Database
	owned  bool
	logger *slog.Logger
	codec  codec.Codec
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCodec sets the outcome encoding.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// New wraps db. The caller owns the client and Close leaves it connected.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		codec:  codec.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to uri and uses database. The store owns the client and
// disconnects it on Close.
func Open(uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: connect: %w", err)
	}
	s := New(client.Database(database), opts...)
	s.owned = true
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *mongod.Database { return s.db }

// Migrate creates the indexes of every collection.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return unavailable("migrate "+col+" indexes", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close disconnects the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) col(name string) *mongod.Collection { return s.db.Collection(name) }

func now() time.Time { return time.Now().UTC() }

func isNoDocuments(err error) bool { return errors.Is(err, mongod.ErrNoDocuments) }

// unavailable marks err as an infrastructure failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("flowbridge/mongo: %s: %w: %w", op, flowbridge.ErrStorageUnavailable, err)
}

func migrationIndexes() map[string][]mongod.IndexModel {
	unique := options.Index().SetUnique(true)
	return map[string][]mongod.IndexModel{
		colJobs: {
			{Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "state", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "run_at", Value: 1},
			}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "heartbeat_at", Value: 1}}},
			{Keys: bson.D{{Key: "parent_id", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		},
		colWorkflowRuns: {
			{Keys: bson.D{{Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		colCheckpoints: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "step_name", Value: 1}}, Options: unique},
		},
		colSteps: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colCronEntries: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique},
		},
		colEvents: {
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "acked", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colCorrelations: {
			{Keys: bson.D{{Key: "instance_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
	}
}
