package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fossawork/fossawork/job"
)

// meterName is the instrumentation scope name for fossawork metrics.
const meterName = "github.com/fossawork/fossawork"

// Metrics returns middleware that records per-job execution metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - fossawork.job.duration (Float64Histogram): execution time in seconds
//   - fossawork.job.executions (Int64Counter): total executions
//   - fossawork.job.dispensers (Int64Histogram): dispenser sub-targets per run
//
// All carry job_name, queue, and status ("ok" or "error") attributes;
// station_id is added for station-routed jobs.
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"fossawork.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"fossawork.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	dispensers, pErr := meter.Int64Histogram(
		"fossawork.job.dispensers",
		metric.WithDescription("Dispenser sub-targets covered per inspection run"),
		metric.WithUnit("{dispenser}"),
	)
	_ = pErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		kvs := []attribute.KeyValue{
			attribute.String("job_name", j.Name),
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		}
		if j.StationID != "" {
			kvs = append(kvs, attribute.String("station_id", j.StationID))
		}
		attrs := metric.WithAttributes(kvs...)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		if len(j.Dispensers) > 0 {
			dispensers.Record(ctx, int64(len(j.Dispensers)), attrs)
		}

		return err
	}
}
