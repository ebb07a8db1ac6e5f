package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mudityadev/charles-map/dispatch/ext"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobSubmitted = (*MetricsExtension)(nil)
	_ ext.JobClaimed   = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobReclaimed = (*MetricsExtension)(nil)
)

// MetricsExtension counts lifecycle events per queue. Every counter carries
// a "queue" attribute (IMPORT_QUEUE, EXPORT_QUEUE, AI_QUEUE).
type MetricsExtension struct {
	submitted metric.Int64Counter
	claimed   metric.Int64Counter
	completed metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	reclaimed metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter("github.com/Mudityadev/charles-map/dispatch/observability"))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	latency, _ := meter.Float64Histogram("dispatch.job.elapsed",
		metric.WithDescription("Time from claim to ack in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		submitted: counter("dispatch.job.submitted", "Jobs durably queued"),
		claimed:   counter("dispatch.job.claimed", "Claims taken by workers"),
		completed: counter("dispatch.job.completed", "Jobs acked"),
		retried:   counter("dispatch.job.retried", "Failed attempts sent back to the queue"),
		failed:    counter("dispatch.job.failed", "Jobs that reached the failed state"),
		reclaimed: counter("dispatch.job.reclaimed", "Claims expired by the visibility timeout"),
		latency:   latency,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, r *job.Record) error {
	m.submitted.Add(ctx, 1, queueAttr(r))
	return nil
}

func (m *MetricsExtension) OnJobClaimed(ctx context.Context, r *job.Record) error {
	m.claimed.Add(ctx, 1, queueAttr(r))
	return nil
}

func (m *MetricsExtension) OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, queueAttr(r))
	m.latency.Record(ctx, elapsed.Seconds(), queueAttr(r))
	return nil
}

func (m *MetricsExtension) OnJobRetrying(ctx context.Context, r *job.Record, _ time.Time, _ error) error {
	m.retried.Add(ctx, 1, queueAttr(r))
	return nil
}

// OnJobFailed also records the failure kind (retryable budget spent,
// terminal, or reclaimed).
func (m *MetricsExtension) OnJobFailed(ctx context.Context, r *job.Record, _ error) error {
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", r.Family.QueueName()),
		attribute.String("failure_kind", string(r.FailureKind)),
	))
	return nil
}

func (m *MetricsExtension) OnJobReclaimed(ctx context.Context, r *job.Record) error {
	m.reclaimed.Add(ctx, 1, queueAttr(r))
	return nil
}

func queueAttr(r *job.Record) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", r.Family.QueueName()))
}
