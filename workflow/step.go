package workflow

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/flowbridge/event"
)

// Step executes a named step. A step that already has a checkpoint is
// skipped, which makes handlers safe to replay after a restart.
func (w *Workflow) Step(name string, fn func(ctx context.Context) error) error {
	done, err := w.checkpointed(name)
	if err != nil || done {
		return err
	}

	started := time.Now().UTC()
	w.recordStep(name, StepStateRunning, started, nil)
	w.setRunState(RunStateRunning, name)

	stepErr := fn(w.ctx)
	if stepErr == nil {
		stepErr = w.store.SaveCheckpoint(w.ctx, w.run.ID, name, []byte{})
	}
	w.finishStep(name, started, stepErr)
	if stepErr != nil {
		return fmt.Errorf("workflow %s step %q: %w", w.run.Name, name, stepErr)
	}
	return nil
}

// StepWithResult executes a named step that returns a value. The value is
// gob-encoded into the checkpoint and returned from it on replay.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func StepWithResult[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	data, err := w.store.GetCheckpoint(w.ctx, w.run.ID, name)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: get checkpoint %q: %w", w.run.Name, name, err)
	}
	if data != nil {
		var cached T
		if decErr := gob.NewDecoder(bytes.NewReader(data)).Decode(&cached); decErr != nil {
			return zero, fmt.Errorf("workflow %s: decode checkpoint %q: %w", w.run.Name, name, decErr)
		}
		return cached, nil
	}

	started := time.Now().UTC()
	w.recordStep(name, StepStateRunning, started, nil)
	w.setRunState(RunStateRunning, name)

	result, stepErr := fn(w.ctx)
	if stepErr == nil {
		var buf bytes.Buffer
		if stepErr = gob.NewEncoder(&buf).Encode(result); stepErr == nil {
			stepErr = w.store.SaveCheckpoint(w.ctx, w.run.ID, name, buf.Bytes())
		}
	}
	w.finishStep(name, started, stepErr)
	if stepErr != nil {
		return zero, fmt.Errorf("workflow %s step %q: %w", w.run.Name, name, stepErr)
	}
	return result, nil
}

// Parallel runs the given functions concurrently as steps named
// "<group>:<index>". The first failure cancels the others.
func (w *Workflow) Parallel(group string, steps ...func(ctx context.Context) error) error {
	groupKey := "parallel:" + group
	done, err := w.checkpointed(groupKey)
	if err != nil || done {
		return err
	}

	w.setRunState(RunStateRunning, groupKey)
	g, gctx := errgroup.WithContext(w.ctx)
	for i, step := range steps {
		name := fmt.Sprintf("%s:%d", group, i)
		fn := step
		g.Go(func() error {
			data, chkErr := w.store.GetCheckpoint(gctx, w.run.ID, name)
			if chkErr != nil {
				return chkErr
			}
			if data != nil {
				return nil
			}
			started := time.Now().UTC()
			w.recordStep(name, StepStateRunning, started, nil)
			stepErr := fn(gctx)
			if stepErr == nil {
				stepErr = w.store.SaveCheckpoint(gctx, w.run.ID, name, []byte{})
			}
			w.finishStep(name, started, stepErr)
			return stepErr
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return fmt.Errorf("workflow %s parallel %q: %w", w.run.Name, group, waitErr)
	}
	return w.store.SaveCheckpoint(w.ctx, w.run.ID, groupKey, []byte{})
}

// Sleep parks the run in the suspended state for d. A completed sleep is
// not repeated on replay.
func (w *Workflow) Sleep(name string, d time.Duration) error {
	stepName := "sleep:" + name
	done, err := w.checkpointed(stepName)
	if err != nil || done {
		return err
	}

	started := time.Now().UTC()
	w.recordStep(stepName, StepStateSleeping, started, nil)
	w.setRunState(RunStateSuspended, stepName)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.ctx.Done():
		w.finishStep(stepName, started, w.ctx.Err())
		return w.ctx.Err()
	}

	w.setRunState(RunStateRunning, stepName)
	saveErr := w.store.SaveCheckpoint(w.ctx, w.run.ID, stepName, []byte{})
	w.finishStep(stepName, started, saveErr)
	return saveErr
}

// WaitForEvent parks the run in the suspended state until an event named
// name is published or timeout elapses. It returns nil on timeout. The
// received event is acknowledged and checkpointed.
func (w *Workflow) WaitForEvent(name string, timeout time.Duration) (*event.Event, error) {
	stepName := "wait:" + name

	data, err := w.store.GetCheckpoint(w.ctx, w.run.ID, stepName)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: get wait checkpoint %q: %w", w.run.Name, name, err)
	}
	if data != nil {
		if len(data) == 0 {
			return nil, nil
		}
		var evt event.Event
		if decErr := json.Unmarshal(data, &evt); decErr != nil {
			return nil, fmt.Errorf("workflow %s: decode wait checkpoint %q: %w", w.run.Name, name, decErr)
		}
		return &evt, nil
	}

	started := time.Now().UTC()
	w.recordStep(stepName, StepStateWaiting, started, nil)
	w.setRunState(RunStateSuspended, stepName)

	evt, subErr := w.eventStore.SubscribeEvent(w.ctx, name, timeout)
	if subErr != nil {
		w.finishStep(stepName, started, subErr)
		return nil, fmt.Errorf("workflow %s wait %q: %w", w.run.Name, name, subErr)
	}
	w.setRunState(RunStateRunning, stepName)

	payload := []byte{}
	if evt != nil {
		if ackErr := w.eventStore.AckEvent(w.ctx, evt.ID); ackErr != nil {
			w.logger.Warn("failed to ack event",
				slog.String("event_id", evt.ID.String()),
				slog.String("error", ackErr.Error()),
			)
		}
		// JSON rather than gob: id.ID has no exported fields.
		if payload, err = json.Marshal(evt); err != nil {
			w.finishStep(stepName, started, err)
			return nil, fmt.Errorf("workflow %s: encode wait result %q: %w", w.run.Name, name, err)
		}
	}
	saveErr := w.store.SaveCheckpoint(w.ctx, w.run.ID, stepName, payload)
	w.finishStep(stepName, started, saveErr)
	if saveErr != nil {
		return nil, saveErr
	}
	return evt, nil
}

func (w *Workflow) checkpointed(name string) (bool, error) {
	data, err := w.store.GetCheckpoint(w.ctx, w.run.ID, name)
	if err != nil {
		return false, fmt.Errorf("workflow %s: get checkpoint %q: %w", w.run.Name, name, err)
	}
	if data != nil {
		w.logger.Debug("skipping checkpointed step",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", name),
		)
		return true, nil
	}
	return false, nil
}
