package middleware

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flowbridge/bridge"
	"github.com/xraph/flowbridge/job"
)

const instrumentationName = "github.com/xraph/flowbridge"

// Tracing wraps each job in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer wraps each job in a span from tracer. Spans carry the
// job ID, name, queue and attempt, plus the workflow name for bridge jobs.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("flowbridge.job.id", j.ID.String()),
			attribute.String("flowbridge.job.name", j.Name),
			attribute.String("flowbridge.queue", j.Queue),
			attribute.Int("flowbridge.attempt", j.RetryCount+1),
		}
		if wf, ok := strings.CutPrefix(j.Name, bridge.JobPrefix); ok {
			attrs = append(attrs, attribute.String("flowbridge.workflow", wf))
		}

		ctx, span := tracer.Start(ctx, "flowbridge.job.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		if err := next(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
