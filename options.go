package flowbridge

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// Storer is the lifecycle surface every backend exposes. The subsystem
// store interfaces (job.Store, workflow.Store, correlation.Store, ...) are
// asserted by the engine package, which can import them without a cycle.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Dispatcher holds configuration, logger and store, and owns the lifecycle
// of the worker pool once engine.Build has attached one.
type Dispatcher struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	started bool
}

// New creates a Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Store returns the dispatcher's store.
func (d *Dispatcher) Store() Storer { return d.store }

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() Config { return d.config }

// SetPool sets the worker pool (called by engine.Build).
func (d *Dispatcher) SetPool(p poolRunner) { d.pool = p }

// SetExtensions sets the extension emitter (called by engine.Build).
func (d *Dispatcher) SetExtensions(e extensionEmitter) { d.extensions = e }

// Start begins job processing.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.pool == nil {
		return ErrNoStore
	}
	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

// StopPool drains the worker pool, waiting at most ShutdownTimeout. It is
// a no-op when the pool is not running.
func (d *Dispatcher) StopPool(ctx context.Context) error {
	if d.pool == nil || !d.started {
		return nil
	}
	d.started = false
	stopCtx, cancel := context.WithTimeout(ctx, d.config.ShutdownTimeout)
	defer cancel()
	if err := d.pool.Stop(stopCtx); err != nil {
		d.logger.Error("pool stop error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Stop drains the pool, notifies extensions and closes the store.
func (d *Dispatcher) Stop(ctx context.Context) error {
	_ = d.StopPool(ctx)
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(d *Dispatcher) error {
		d.config = c
		return nil
	}
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		if n <= 0 {
			return errors.New("flowbridge: concurrency must be positive")
		}
		d.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the dispatcher will poll.
func WithQueues(queues []string) Option {
	return func(d *Dispatcher) error {
		d.config.Queues = queues
		return nil
	}
}

// WithPollInterval sets how often workers poll for due jobs.
func WithPollInterval(iv time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.PollInterval = iv
		return nil
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight jobs.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ShutdownTimeout = timeout
		return nil
	}
}

// WithWorkflowPollInterval sets how often the bridge polls a running
// workflow instance.
func WithWorkflowPollInterval(iv time.Duration) Option {
	return func(d *Dispatcher) error {
		if iv <= 0 {
			return errors.New("flowbridge: workflow poll interval must be positive")
		}
		d.config.WorkflowPollInterval = iv
		return nil
	}
}

// WithWorkflowMaxWait bounds how long the bridge waits for one workflow
// instance before reporting cancellation. Zero disables the bound.
func WithWorkflowMaxWait(maxWait time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.WorkflowMaxWait = maxWait
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. Engine wiring additionally
// requires the backend to implement the subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}
