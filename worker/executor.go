// Package worker runs dequeued jobs. An Executor takes one job through the
// middleware chain and its handler and settles the job's state; a Pool owns
// the goroutines that dequeue, heartbeat and reap.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/backoff"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/middleware"
)

// Emitter receives job lifecycle events. ext.Registry satisfies it.
type Emitter interface {
	EmitJobStarted(ctx context.Context, j *job.Job)
	EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration)
	EmitJobFailed(ctx context.Context, j *job.Job, err error)
	EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time)
	EmitJobCancelled(ctx context.Context, j *job.Job)
}

// Executor runs single jobs.
type Executor struct {
	registry *job.Registry
	store    job.Store
	emitter  Emitter
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. A nil strategy means backoff.Default.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	emitter Emitter,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		store:    store,
		emitter:  emitter,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs j and persists the resulting state:
//   - success: completed with the handler's result, awaiting continuations
//     promoted;
//   - cancellation through flowbridge.ErrJobCancelled: cancelled;
//   - failure with retries left: retrying at now + backoff;
//   - otherwise: failed.
//
// The handler error is returned for logging; the job row already reflects it.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		err := fmt.Errorf("no handler registered for job %q", j.Name)
		return e.fail(ctx, j, err, time.Now().UTC())
	}

	start := time.Now()
	var result []byte
	err := e.mw(ctx, j, func(ctx context.Context) error {
		var herr error
		result, herr = handler(ctx, j)
		return herr
	})
	elapsed := time.Since(start)
	now := time.Now().UTC()

	// Settling must survive the job's own context being cancelled.
	settle := context.WithoutCancel(ctx)

	switch {
	case errors.Is(context.Cause(ctx), flowbridge.ErrJobCancelled):
		return e.cancel(settle, j, now)
	case err != nil:
		if result != nil {
			j.Result = asJSON(result)
		}
		return e.fail(settle, j, err, now)
	default:
		return e.complete(settle, j, result, now, elapsed)
	}
}

func (e *Executor) complete(ctx context.Context, j *job.Job, result []byte, now time.Time, elapsed time.Duration) error {
	j.State = job.StateCompleted
	j.CompletedAt = &now
	j.LastError = ""
	j.Result = asJSON(result)

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to mark job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.emitter.EmitJobCompleted(ctx, j, elapsed)
	e.continueAfter(ctx, j)
	return nil
}

// continueAfter promotes jobs waiting on j and, when j closes its batch,
// jobs waiting on the batch.
func (e *Executor) continueAfter(ctx context.Context, j *job.Job) {
	e.promote(j.ID.String(), func() (int, error) { return e.store.PromoteAwaiting(ctx, j.ID) })

	if j.BatchID.IsNil() {
		return
	}
	members, err := e.store.ListJobsByBatch(ctx, j.BatchID)
	if err != nil {
		e.logger.Warn("batch lookup failed",
			slog.String("batch_id", j.BatchID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, m := range members {
		if m.State != job.StateCompleted {
			return
		}
	}
	e.promote(j.BatchID.String(), func() (int, error) { return e.store.PromoteAwaiting(ctx, j.BatchID) })
}

func (e *Executor) promote(parent string, fn func() (int, error)) {
	n, err := fn()
	if err != nil {
		e.logger.Warn("continuation promotion failed",
			slog.String("parent_id", parent),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		e.logger.Debug("continuations released", slog.String("parent_id", parent), slog.Int("count", n))
	}
}

func (e *Executor) fail(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.RetryCount++
	j.LastError = handlerErr.Error()

	if j.RetryCount <= j.MaxRetries {
		delay := e.backoff.Delay(j.RetryCount)
		j.State = job.StateRetrying
		j.RunAt = now.Add(delay)
		if err := e.store.UpdateJob(ctx, j); err != nil {
			e.logger.Error("failed to schedule retry",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
		e.emitter.EmitJobRetrying(ctx, j, j.RetryCount, j.RunAt)
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("attempt", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries),
			slog.Duration("delay", delay),
		)
		return fmt.Errorf("job %s attempt %d/%d: %w", j.Name, j.RetryCount, j.MaxRetries, handlerErr)
	}

	j.State = job.StateFailed
	j.CompletedAt = &now
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.emitter.EmitJobFailed(ctx, j, handlerErr)
	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", handlerErr.Error()),
	)
	return fmt.Errorf("%w: %w", flowbridge.ErrMaxRetriesExceeded, handlerErr)
}

func (e *Executor) cancel(ctx context.Context, j *job.Job, now time.Time) error {
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.LastError = flowbridge.ErrJobCancelled.Error()
	if err := e.store.UpdateJob(ctx, j); err != nil {
		if errors.Is(err, flowbridge.ErrJobNotFound) {
			// Deleted while running.
			return flowbridge.ErrJobCancelled
		}
		return err
	}
	e.emitter.EmitJobCancelled(ctx, j)
	return flowbridge.ErrJobCancelled
}

// asJSON keeps JSON results as they are and quotes anything else.
func asJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
