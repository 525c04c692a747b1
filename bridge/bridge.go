package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/instance"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/snapshot"
)

const tracerName = "github.com/xraph/flowbridge/bridge"

// DefaultPollInterval is the wait between two reads of a running instance.
const DefaultPollInterval = time.Second

// Starter launches workflow instances.
type Starter interface {
	// StartWorkflow starts an instance of the named workflow and returns
	// its ID without waiting for it to finish.
	StartWorkflow(ctx context.Context, name string, input []byte) (string, error)
}

// Canceller is implemented by starters that can stop an instance.
type Canceller interface {
	CancelWorkflow(ctx context.Context, instanceID string) error
}

// Emitter is notified whenever the bridge records a terminal outcome.
type Emitter interface {
	EmitOutcomeRecorded(ctx context.Context, jobID string, o *outcome.Outcome)
}

type state string

const (
	stateCreated         state = "created"
	stateInputValidated  state = "input_validated"
	stateWorkflowStarted state = "workflow_started"
	statePolling         state = "polling"
	stateCompleted       state = "completed"
	stateTerminated      state = "terminated"
	stateCancelled       state = "cancelled"
)

// Bridge runs workflow instances on behalf of jobs and reports their
// outcome. It holds no per-execution state; one Bridge serves every worker.
type Bridge struct {
	starter  Starter
	reader   instance.Reader
	store    correlation.Store
	provider snapshot.Provider
	logger   *slog.Logger
	tracer   trace.Tracer
	emitter  Emitter

	pollInterval time.Duration
	maxWait      time.Duration
	reattach     bool

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPollInterval sets the wait between instance reads. Non-positive
// values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithMaxWait bounds how long one execution waits for its instance.
// Reaching the bound is reported as cancellation. Zero means no bound.
func WithMaxWait(d time.Duration) Option {
	return func(b *Bridge) { b.maxWait = d }
}

// WithSnapshotProvider sets where context-aware runners get a snapshot
// when the payload carries none.
func WithSnapshotProvider(p snapshot.Provider) Option {
	return func(b *Bridge) {
		if p != nil {
			b.provider = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithEmitter sets the outcome hook.
func WithEmitter(e Emitter) Option {
	return func(b *Bridge) { b.emitter = e }
}

// WithReattach controls whether a job that is already mapped to a live
// instance resumes waiting on it instead of starting another. Enabled by
// default so scheduler retries and worker restarts do not fork workflows.
func WithReattach(enabled bool) Option {
	return func(b *Bridge) { b.reattach = enabled }
}

// New creates a Bridge.
func New(starter Starter, reader instance.Reader, store correlation.Store, opts ...Option) *Bridge {
	b := &Bridge{
		starter:      starter,
		reader:       reader,
		store:        store,
		provider:     snapshot.NullProvider{},
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		pollInterval: DefaultPollInterval,
		reattach:     true,
		now:          time.Now,
		after:        time.After,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store returns the correlation store.
func (b *Bridge) Store() correlation.Store { return b.store }

// Reader returns the instance reader.
func (b *Bridge) Reader() instance.Reader { return b.reader }

// ──────────────────────────────────────────────────
// Execute
// ──────────────────────────────────────────────────

// Execute starts the runner's workflow for jobID, waits for it to finish
// and returns its outcome.
//
// Bad input, a failed start, a vanished instance and unexpected failures
// all produce a terminated outcome with a nil error. Errors are returned
// only for cancellation (matching flowbridge.ErrCancelled, nil outcome)
// and for correlation storage failures.
func (b *Bridge) Execute(ctx context.Context, r *Runner, jobID string, payload []byte) (res *outcome.Outcome, err error) {
	ctx, span := b.tracer.Start(ctx, "flowbridge.bridge.execute",
		trace.WithAttributes(
			attribute.String("flowbridge.job.id", jobID),
			attribute.String("flowbridge.workflow", r.workflow),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() { endSpan(span, res, err) }()

	if b.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.maxWait)
		defer cancel()
	}

	createdAt := b.now().UTC()
	instanceID := ""
	defer func() {
		if rec := recover(); rec != nil {
			res, err = b.unexpected(ctx, jobID, instanceID, createdAt, fmt.Errorf("panic: %v", rec))
		}
	}()

	b.transition(jobID, "", stateCreated)

	input, err := r.prepare(payload, func() *snapshot.ContextSnapshot { return b.provider.Snapshot(ctx) })
	if err != nil {
		var inErr *InputError
		if errors.As(err, &inErr) {
			b.logger.Warn("rejected workflow input",
				slog.String("job_id", jobID),
				slog.String("workflow", r.workflow),
				slog.String("error", inErr.Error()),
			)
			b.transition(jobID, "", stateTerminated)
			return outcome.Terminated("", outcome.InvalidInputPrefix+inErr.Error(), createdAt, b.now()), nil
		}
		return b.unexpected(ctx, jobID, "", createdAt, err)
	}
	b.transition(jobID, "", stateInputValidated)

	if ctxErr := ctx.Err(); ctxErr != nil {
		b.transition(jobID, "", stateCancelled)
		return nil, cancelled(ctxErr)
	}

	instanceID, err = b.attached(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID, err = b.starter.StartWorkflow(ctx, r.workflow, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				b.transition(jobID, "", stateCancelled)
				return nil, cancelled(ctxErr)
			}
			b.logger.Error("failed to start workflow",
				slog.String("job_id", jobID),
				slog.String("workflow", r.workflow),
				slog.String("error", err.Error()),
			)
			b.transition(jobID, "", stateTerminated)
			return outcome.Terminated("", err.Error(), createdAt, b.now()), nil
		}

		if err := b.store.PutMapping(ctx, jobID, instanceID); err != nil {
			b.logger.Error("failed to record correlation",
				slog.String("job_id", jobID),
				slog.String("instance_id", instanceID),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("flowbridge/bridge: map job %s to instance %s: %w", jobID, instanceID, err)
		}
	}
	span.SetAttributes(attribute.String("flowbridge.instance.id", instanceID))
	b.transition(jobID, instanceID, stateWorkflowStarted)

	b.transition(jobID, instanceID, statePolling)
	o, _, err := b.poll(ctx, instanceID, createdAt)
	if err != nil {
		if errors.Is(err, flowbridge.ErrCancelled) {
			b.transition(jobID, instanceID, stateCancelled)
			return nil, err
		}
		return b.unexpected(ctx, jobID, instanceID, createdAt, err)
	}

	return b.record(ctx, jobID, o)
}

// attached returns the instance a retried job should keep waiting on, or
// "" when a new instance must be started.
func (b *Bridge) attached(ctx context.Context, jobID string) (string, error) {
	if !b.reattach {
		return "", nil
	}

	instanceID, err := b.store.InstanceIDFor(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("flowbridge/bridge: look up instance of job %s: %w", jobID, err)
	}
	if instanceID == "" {
		return "", nil
	}

	stored, err := b.store.ResultFor(ctx, instanceID)
	if err != nil {
		return "", fmt.Errorf("flowbridge/bridge: look up outcome of %s: %w", instanceID, err)
	}
	if stored.Terminal() {
		return "", nil
	}

	view, err := b.reader.GetInstance(ctx, instanceID)
	if err != nil {
		b.logger.Warn("cannot inspect previous instance, starting a new one",
			slog.String("job_id", jobID),
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	if view == nil {
		return "", nil
	}

	b.logger.Info("reattaching job to existing workflow instance",
		slog.String("job_id", jobID),
		slog.String("instance_id", instanceID),
		slog.String("status", string(view.Status)),
	)
	return instanceID, nil
}

// poll reads the instance until it is terminal, gone, or ctx ends. The
// returned view is nil when the instance was not found.
func (b *Bridge) poll(ctx context.Context, instanceID string, createdAt time.Time) (*outcome.Outcome, *instance.View, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, cancelled(err)
		}

		view, err := b.reader.GetInstance(ctx, instanceID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, cancelled(ctxErr)
			}
			return nil, nil, fmt.Errorf("read instance %s: %w", instanceID, err)
		}
		if o := b.terminal(instanceID, view, createdAt); o != nil {
			return o, view, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, cancelled(ctx.Err())
		case <-b.after(b.pollInterval):
		}
	}
}

// terminal converts a view into a terminal outcome, or returns nil while
// the instance is still in progress.
func (b *Bridge) terminal(instanceID string, view *instance.View, createdAt time.Time) *outcome.Outcome {
	if view == nil {
		return outcome.Terminated(instanceID, outcome.MsgInstanceNotFound, createdAt, b.now())
	}

	completedAt := b.now()
	if view.CompletedAt != nil {
		completedAt = *view.CompletedAt
	}

	switch view.Status {
	case outcome.StatusComplete:
		return outcome.Completed(instanceID, view.Data, createdAt, completedAt)
	case outcome.StatusTerminated:
		msg := view.Error
		if msg == "" {
			msg = outcome.MsgWorkflowTerminated
			if view.EngineState == "cancelled" {
				msg = outcome.MsgWorkflowCancelled
			}
		}
		return outcome.Terminated(instanceID, msg, createdAt, completedAt)
	default:
		return nil
	}
}

// record stores a terminal outcome. When the instance is already sealed
// the stored outcome wins.
func (b *Bridge) record(ctx context.Context, jobID string, o *outcome.Outcome) (*outcome.Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	err := b.store.PutResult(ctx, o.WorkflowInstanceID, o)
	switch {
	case err == nil:
	case errors.Is(err, flowbridge.ErrOutcomeSealed):
		stored, getErr := b.store.ResultFor(ctx, o.WorkflowInstanceID)
		if getErr != nil {
			return o, fmt.Errorf("flowbridge/bridge: read sealed outcome of %s: %w", o.WorkflowInstanceID, getErr)
		}
		if stored != nil {
			o = stored
		}
	default:
		b.logger.Error("failed to record outcome",
			slog.String("job_id", jobID),
			slog.String("instance_id", o.WorkflowInstanceID),
			slog.String("error", err.Error()),
		)
		return o, fmt.Errorf("flowbridge/bridge: record outcome of %s: %w", o.WorkflowInstanceID, err)
	}

	if o.Status == outcome.StatusComplete {
		b.transition(jobID, o.WorkflowInstanceID, stateCompleted)
	} else {
		b.transition(jobID, o.WorkflowInstanceID, stateTerminated)
	}
	if b.emitter != nil {
		b.emitter.EmitOutcomeRecorded(ctx, jobID, o)
	}
	return o, nil
}

// unexpected turns an unforeseen failure into a terminated outcome and
// stores it when an instance exists.
func (b *Bridge) unexpected(ctx context.Context, jobID, instanceID string, createdAt time.Time, cause error) (*outcome.Outcome, error) {
	b.logger.Error("workflow execution failed unexpectedly",
		slog.String("job_id", jobID),
		slog.String("instance_id", instanceID),
		slog.String("error", cause.Error()),
	)
	o := outcome.Terminated(instanceID, cause.Error(), createdAt, b.now())
	if instanceID == "" {
		b.transition(jobID, "", stateTerminated)
		return o, nil
	}
	stored, err := b.record(ctx, jobID, o)
	if err != nil {
		// Best effort: the failure itself is what the caller needs.
		return o, nil //nolint:nilerr // storage error already logged
	}
	return stored, nil
}

func (b *Bridge) transition(jobID, instanceID string, to state) {
	b.logger.Debug("bridge state",
		slog.String("job_id", jobID),
		slog.String("instance_id", instanceID),
		slog.String("state", string(to)),
	)
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", flowbridge.ErrCancelled, cause)
}

func endSpan(span trace.Span, o *outcome.Outcome, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case o != nil && o.Status == outcome.StatusTerminated:
		span.SetAttributes(attribute.String("flowbridge.outcome.status", string(o.Status)))
		span.SetStatus(codes.Error, o.ErrorMessage)
	case o != nil:
		span.SetAttributes(attribute.String("flowbridge.outcome.status", string(o.Status)))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
