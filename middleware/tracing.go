package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fossawork/fossawork/job"
)

// tracerName is the instrumentation scope name for fossawork tracing.
const tracerName = "github.com/fossawork/fossawork"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: fossawork.job.id, fossawork.job.name,
// fossawork.queue, fossawork.retry_count, fossawork.work_order_id.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "fossawork.job.execute",
			trace.WithAttributes(
				attribute.String("fossawork.job.id", j.ID.String()),
				attribute.String("fossawork.job.name", j.Name),
				attribute.String("fossawork.queue", j.Queue),
				attribute.Int("fossawork.retry_count", j.RetryCount),
				attribute.String("fossawork.work_order_id", j.WorkOrderID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
