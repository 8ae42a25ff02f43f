package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/solvetrace/internal/scheduler"

type metrics struct {
	flushes   metric.Int64Counter
	skipped   metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
	handoffs  metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &metrics{}
	// Instrument creation only fails on invalid names; the returned
	// instrument is a usable no-op in that case.
	m.flushes, _ = meter.Int64Counter("solvetrace.flush.count",
		metric.WithDescription("Flushes started"))
	m.skipped, _ = meter.Int64Counter("solvetrace.flush.skipped",
		metric.WithDescription("Flush triggers dropped while an upload was running"))
	m.delivered, _ = meter.Int64Counter("solvetrace.sessions.delivered",
		metric.WithDescription("Sessions fully delivered and removed from the buffer"))
	m.failed, _ = meter.Int64Counter("solvetrace.sessions.failed",
		metric.WithDescription("Session uploads that failed and stay buffered"))
	m.handoffs, _ = meter.Int64Counter("solvetrace.unload.sessions",
		metric.WithDescription("Sessions handed to the unload beacon"))
	m.duration, _ = meter.Float64Histogram("solvetrace.flush.duration",
		metric.WithDescription("Flush duration"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) recordFlush(ctx context.Context, trigger Trigger, res Result, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("trigger", string(trigger)))
	m.flushes.Add(ctx, 1, attrs)
	m.delivered.Add(ctx, int64(res.Delivered), attrs)
	m.failed.Add(ctx, int64(res.Failed), attrs)
	m.duration.Record(ctx, took.Seconds(), attrs)
}

func (m *metrics) recordSkip(ctx context.Context, trigger Trigger) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger))))
}
