package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/backoff"
	"github.com/xraph/flowbridge/bridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/instance"
	"github.com/xraph/flowbridge/job"
	mw "github.com/xraph/flowbridge/middleware"
	"github.com/xraph/flowbridge/observability"
	"github.com/xraph/flowbridge/queue"
	"github.com/xraph/flowbridge/snapshot"
	"github.com/xraph/flowbridge/store"
	"github.com/xraph/flowbridge/worker"
	"github.com/xraph/flowbridge/workflow"
)

const instrumentationName = "github.com/xraph/flowbridge"

// Engine holds references to every collaborator. It keeps no state of its
// own beyond them.
type Engine struct {
	d          *flowbridge.Dispatcher
	store      store.Store
	extensions *ext.Registry
	registry   *job.Registry
	bo         backoff.Strategy
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	wfRegistry *workflow.Registry
	wfRunner   *workflow.Runner
	eventBus   *event.Bus

	bridge           *bridge.Bridge
	runners          *bridge.Registry
	provider         snapshot.Provider
	bridgeOpts       []bridge.Option
	failOnTerminated bool

	scheduler *cron.Scheduler

	queueConfigs []queue.Config
	queueManager *queue.Manager

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends m to the job middleware chain, inside the
// built-in middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry strategy. Defaults to backoff.Default.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig limits individual queues.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider replaces the global TracerProvider for job and bridge
// spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider replaces the global MeterProvider for job metrics and
// lifecycle counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithSnapshotProvider sets where context-aware workflows get their
// request snapshot, both at submission and in the bridge. Defaults to
// snapshot.NullProvider.
func WithSnapshotProvider(p snapshot.Provider) Option {
	return func(eng *Engine) { eng.provider = p }
}

// WithFailOnTerminated makes a terminated workflow fail its job instead of
// completing it, so the job's retry policy applies.
func WithFailOnTerminated() Option {
	return func(eng *Engine) { eng.failOnTerminated = true }
}

// WithBridgeOptions passes extra options to the execution bridge. They
// are applied after the ones derived from flowbridge.Config.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(eng *Engine) { eng.bridgeOpts = append(eng.bridgeOpts, opts...) }
}

// Build wires an Engine around d. The dispatcher's store must implement
// store.Store.
func Build(d *flowbridge.Dispatcher, opts ...Option) (*Engine, error) {
	if d.Store() == nil {
		return nil, flowbridge.ErrNoStore
	}
	s, ok := d.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("flowbridge/engine: %T does not implement store.Store", d.Store())
	}
	logger := d.Logger()

	eng := &Engine{
		d:          d,
		store:      s,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		runners:    bridge.NewRegistry(),
		provider:   snapshot.NullProvider{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.bo == nil {
		eng.bo = backoff.Default()
	}
	if eng.tracerProvider == nil {
		eng.tracerProvider = otel.GetTracerProvider()
	}
	if eng.meterProvider == nil {
		eng.meterProvider = otel.GetMeterProvider()
	}
	config := d.Config()

	eng.wfRegistry = workflow.NewRegistry()
	eng.eventBus = event.NewBus(s)
	eng.wfRunner = workflow.NewRunner(eng.wfRegistry, s, s, eng.extensions, logger)

	bridgeOpts := []bridge.Option{
		bridge.WithPollInterval(config.WorkflowPollInterval),
		bridge.WithMaxWait(config.WorkflowMaxWait),
		bridge.WithSnapshotProvider(eng.provider),
		bridge.WithLogger(logger),
		bridge.WithTracer(eng.tracerProvider.Tracer(instrumentationName + "/bridge")),
		bridge.WithEmitter(eng.extensions),
	}
	eng.bridge = bridge.New(eng.wfRunner, instance.NewRunReader(s), s,
		append(bridgeOpts, eng.bridgeOpts...)...)

	eng.extensions.Register(observability.NewMetricsExtensionWithMeter(
		eng.meterProvider.Meter(instrumentationName + "/observability"),
	))

	// recover → tracing → metrics → logging → snapshot → timeout → user
	chain := []mw.Middleware{
		mw.Recover(logger),
		mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName)),
		mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName)),
		mw.Logging(logger),
		mw.RestoreSnapshot(),
		mw.Timeout(logger),
	}
	chain = append(chain, eng.mws...)
	executor := worker.NewExecutor(eng.registry, s, eng.extensions, eng.bo, logger, chain...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleJobThreshold(config.StaleJobThreshold),
	}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	eng.pool = worker.NewPool(s, executor, eng.extensions, logger, poolOpts...)

	d.SetPool(eng.pool)
	d.SetExtensions(eng.extensions)

	enqueue := func(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error) {
		if strings.HasPrefix(name, bridge.JobPrefix) {
			opts = workflowOpts(opts)
		}
		j, err := eng.EnqueueRaw(ctx, name, payload, opts...)
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}
	eng.scheduler = cron.NewScheduler(s, enqueue, eng.extensions, eng.pool.WorkerID(), logger)

	return eng, nil
}

// Register registers a typed job. Its definition options apply to every
// enqueue of that name.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue enqueues a typed job.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}
	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw stores a job with a pre-encoded payload. A job with a parent
// starts out awaiting; it becomes pending right away when the parent has
// already completed.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	o := job.DefaultOptions()
	for _, opt := range eng.registry.Defaults(name) {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:     flowbridge.NewEntity(),
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      o.Queue,
		Payload:    payload,
		State:      job.StatePending,
		Priority:   o.Priority,
		MaxRetries: o.MaxRetries,
		ParentID:   o.Parent,
		BatchID:    o.Batch,
		RunAt:      now,
		Timeout:    o.Timeout,
	}
	if !o.RunAt.IsZero() {
		j.RunAt = o.RunAt.UTC()
	}

	if !o.Parent.IsNil() {
		done, err := eng.parentCompleted(ctx, o.Parent)
		if err != nil {
			return nil, err
		}
		if !done {
			j.State = job.StateAwaiting
		}
	}

	if err := eng.store.EnqueueJob(ctx, j); err != nil {
		return nil, fmt.Errorf("flowbridge/engine: enqueue %q: %w", name, err)
	}
	eng.extensions.EmitJobEnqueued(ctx, j)

	if j.State == job.StateAwaiting {
		// The parent may have finished between the check and the insert.
		if done, err := eng.parentCompleted(ctx, o.Parent); err == nil && done {
			if _, err := eng.store.PromoteAwaiting(ctx, o.Parent); err != nil {
				eng.logger.Warn("continuation promotion failed",
					slog.String("parent_id", o.Parent.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return j, nil
}

// parentCompleted reports whether a job, or every job of a batch, has
// completed.
func (eng *Engine) parentCompleted(ctx context.Context, parent id.ID) (bool, error) {
	if parent.Prefix() == id.PrefixBatch {
		members, err := eng.store.ListJobsByBatch(ctx, parent)
		if err != nil {
			return false, fmt.Errorf("flowbridge/engine: list batch %s: %w", parent, err)
		}
		if len(members) == 0 {
			return false, fmt.Errorf("%w: batch %s", flowbridge.ErrJobNotFound, parent)
		}
		for _, m := range members {
			if m.State != job.StateCompleted {
				return false, nil
			}
		}
		return true, nil
	}

	p, err := eng.store.GetJob(ctx, parent)
	if err != nil {
		return false, fmt.Errorf("flowbridge/engine: parent %s: %w", parent, err)
	}
	return p.State == job.StateCompleted, nil
}

// Start resumes interrupted workflow runs, then starts the cron scheduler
// and the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.wfRunner.ResumeAll(ctx); err != nil {
		eng.logger.Warn("failed to resume workflow runs", slog.String("error", err.Error()))
	}
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	return eng.d.Start(ctx)
}

// Stop stops the scheduler and the pool, interrupts running workflows so
// they resume on the next start, notifies extensions and closes the store.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}

	// Jobs blocked in the bridge end first, then the runs they polled.
	var errs []error
	if err := eng.d.StopPool(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := eng.wfRunner.Shutdown(ctx); err != nil {
		eng.logger.Warn("workflow runs still active at shutdown", slog.String("error", err.Error()))
	}
	eng.extensions.EmitShutdown(ctx)
	if err := eng.d.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *flowbridge.Dispatcher { return eng.d }

// Store returns the backend.
func (eng *Engine) Store() store.Store { return eng.store }

// Correlation returns the correlation store used by the bridge.
func (eng *Engine) Correlation() correlation.Store { return eng.store }

// WorkflowRunner returns the workflow runner.
func (eng *Engine) WorkflowRunner() *workflow.Runner { return eng.wfRunner }

// Bridge returns the execution bridge.
func (eng *Engine) Bridge() *bridge.Bridge { return eng.bridge }

// Runners returns the bridge runner registry keyed by job name.
func (eng *Engine) Runners() *bridge.Registry { return eng.runners }

// EventBus returns the event bus.
func (eng *Engine) EventBus() *event.Bus { return eng.eventBus }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// QueueManager returns the queue manager, or nil without queue configs.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
