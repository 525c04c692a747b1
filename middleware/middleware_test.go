package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/middleware"
	"github.com/xraph/flowbridge/snapshot"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:         id.NewJobID(),
		Name:       "workflow:checkout",
		Queue:      "critical",
		RetryCount: 2,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string
	record := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
			order = append(order, name+"-before")
			err := next(ctx)
			order = append(order, name+"-after")
			return err
		}
	}

	chain := middleware.Chain(record("outer"), record("inner"))
	err := chain(context.Background(), newTestJob(), func(context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("called=%v err=%v", called, err)
	}
}

func TestChain_ShortCircuit(t *testing.T) {
	stop := errors.New("rate limited")
	chain := middleware.Chain(func(context.Context, *job.Job, middleware.Handler) error {
		return stop
	})
	err := chain(context.Background(), newTestJob(), func(context.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want %v", err, stop)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	err := middleware.Recover(discardLogger())(context.Background(), newTestJob(), func(context.Context) error {
		panic("kaboom")
	})

	var pe *middleware.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}
	if pe.Value != "kaboom" || len(pe.Stack) == 0 {
		t.Errorf("panic error = %+v", pe)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	want := errors.New("plain failure")
	err := middleware.Recover(discardLogger())(context.Background(), newTestJob(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestTimeout_Deadline(t *testing.T) {
	j := newTestJob()
	j.Timeout = 10 * time.Millisecond

	err := middleware.Timeout(discardLogger())(context.Background(), j, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_NoTimeout(t *testing.T) {
	j := newTestJob()
	err := middleware.Timeout(discardLogger())(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogging_WorkflowJob(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := middleware.Logging(logger)(context.Background(), newTestJob(), func(context.Context) error {
		return errors.New("declined")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	out := buf.String()
	for _, want := range []string{"job started", "job failed", "workflow=checkout", "attempt=3", "error=declined"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestRestoreSnapshot(t *testing.T) {
	j := newTestJob()
	j.Payload = []byte(`{"data":{"id":1},"context":{"user_id":"u-7","request_id":"req-1","created_at":"2026-01-02T03:04:05Z"}}`)

	var got *snapshot.ContextSnapshot
	err := middleware.RestoreSnapshot()(context.Background(), j, func(ctx context.Context) error {
		got = snapshot.FromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.UserID != "u-7" || got.RequestID != "req-1" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestRestoreSnapshot_PlainPayload(t *testing.T) {
	for _, payload := range []string{`{"id":1}`, `[1,2]`, `"text"`, ``} {
		j := newTestJob()
		j.Payload = []byte(payload)
		err := middleware.RestoreSnapshot()(context.Background(), j, func(ctx context.Context) error {
			if s := snapshot.FromContext(ctx); s != nil {
				t.Errorf("payload %q produced snapshot %+v", payload, s)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}
