package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

const tracerName = "github.com/Mudityadev/charles-map/dispatch"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// Without a global TracerProvider the noop tracer makes it a pass-through.
//
// Span attributes: dispatch.job.id, dispatch.job.name, dispatch.queue,
// dispatch.attempt, dispatch.tenant_id.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		ctx, span := tracer.Start(ctx, "dispatch.job.execute",
			trace.WithAttributes(
				attribute.String("dispatch.job.id", string(r.ID)),
				attribute.String("dispatch.job.name", r.TaskName),
				attribute.String("dispatch.queue", r.Family.QueueName()),
				attribute.Int("dispatch.attempt", r.Attempts),
				attribute.String("dispatch.tenant_id", r.TenantID),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
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
