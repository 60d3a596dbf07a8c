package postbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/careloop/postbox"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the postbox service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Delivery
	deliverLatency metric.Float64Histogram
	deliverCount   metric.Int64Counter
	deliverErrors  metric.Int64Counter

	// Folder listing
	listLatency metric.Float64Histogram
	listCount   metric.Int64Counter
	listErrors  metric.Int64Counter

	// Slot mutation (flags, deletes)
	slotLatency metric.Float64Histogram
	slotCount   metric.Int64Counter
	slotErrors  metric.Int64Counter

	// Authentication (login, token validation)
	authLatency metric.Float64Histogram
	authCount   metric.Int64Counter
	authErrors  metric.Int64Counter

	// Reclamation
	reclaimCount metric.Int64Counter
	sweepLatency metric.Float64Histogram
	sweepCount   metric.Int64Counter
	sweepErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	// Initialize tracer
	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	// Initialize metrics
	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Deliver metrics
	o.deliverLatency, err = meter.Float64Histogram(
		"postbox.deliver.duration",
		metric.WithDescription("Duration of deliver operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.deliverCount, err = meter.Int64Counter(
		"postbox.deliver.count",
		metric.WithDescription("Number of messages delivered"),
	)
	if err != nil {
		return err
	}

	o.deliverErrors, err = meter.Int64Counter(
		"postbox.deliver.errors",
		metric.WithDescription("Number of deliver errors"),
	)
	if err != nil {
		return err
	}

	// List metrics
	o.listLatency, err = meter.Float64Histogram(
		"postbox.list.duration",
		metric.WithDescription("Duration of folder listing operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.listCount, err = meter.Int64Counter(
		"postbox.list.count",
		metric.WithDescription("Number of folder listing operations"),
	)
	if err != nil {
		return err
	}

	o.listErrors, err = meter.Int64Counter(
		"postbox.list.errors",
		metric.WithDescription("Number of folder listing errors"),
	)
	if err != nil {
		return err
	}

	// Slot mutation metrics
	o.slotLatency, err = meter.Float64Histogram(
		"postbox.slot.duration",
		metric.WithDescription("Duration of slot mutation operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.slotCount, err = meter.Int64Counter(
		"postbox.slot.count",
		metric.WithDescription("Number of slot mutation operations"),
	)
	if err != nil {
		return err
	}

	o.slotErrors, err = meter.Int64Counter(
		"postbox.slot.errors",
		metric.WithDescription("Number of slot mutation errors"),
	)
	if err != nil {
		return err
	}

	// Auth metrics
	o.authLatency, err = meter.Float64Histogram(
		"postbox.auth.duration",
		metric.WithDescription("Duration of authentication operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.authCount, err = meter.Int64Counter(
		"postbox.auth.count",
		metric.WithDescription("Number of authentication operations"),
	)
	if err != nil {
		return err
	}

	o.authErrors, err = meter.Int64Counter(
		"postbox.auth.errors",
		metric.WithDescription("Number of authentication errors"),
	)
	if err != nil {
		return err
	}

	// Reclamation metrics
	o.reclaimCount, err = meter.Int64Counter(
		"postbox.reclaim.count",
		metric.WithDescription("Number of messages reclaimed"),
	)
	if err != nil {
		return err
	}

	o.sweepLatency, err = meter.Float64Histogram(
		"postbox.sweep.duration",
		metric.WithDescription("Duration of reclamation sweeps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.sweepCount, err = meter.Int64Counter(
		"postbox.sweep.count",
		metric.WithDescription("Number of reclamation sweeps"),
	)
	if err != nil {
		return err
	}

	o.sweepErrors, err = meter.Int64Counter(
		"postbox.sweep.errors",
		metric.WithDescription("Number of reclamation sweep errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller should call the returned func with the operation error when done.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordDeliver records deliver operation metrics.
func (o *otelInstrumentation) recordDeliver(ctx context.Context, duration time.Duration, recipientCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("recipient_count", recipientCount),
	)

	o.deliverLatency.Record(ctx, duration.Seconds(), attrs)
	o.deliverCount.Add(ctx, 1, attrs)
	if err != nil {
		o.deliverErrors.Add(ctx, 1, attrs)
	}
}

// recordList records folder listing metrics.
func (o *otelInstrumentation) recordList(ctx context.Context, duration time.Duration, folder string, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("folder", folder),
		attribute.Int("result_count", resultCount),
	)

	o.listLatency.Record(ctx, duration.Seconds(), attrs)
	o.listCount.Add(ctx, 1, attrs)
	if err != nil {
		o.listErrors.Add(ctx, 1, attrs)
	}
}

// recordSlot records slot mutation metrics.
func (o *otelInstrumentation) recordSlot(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.slotLatency.Record(ctx, duration.Seconds(), attrs)
	o.slotCount.Add(ctx, 1, attrs)
	if err != nil {
		o.slotErrors.Add(ctx, 1, attrs)
	}
}

// recordAuth records authentication metrics.
func (o *otelInstrumentation) recordAuth(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.authLatency.Record(ctx, duration.Seconds(), attrs)
	o.authCount.Add(ctx, 1, attrs)
	if err != nil {
		o.authErrors.Add(ctx, 1, attrs)
	}
}

// recordReclaim records a message reclamation.
func (o *otelInstrumentation) recordReclaim(ctx context.Context, source string) {
	if !o.metricsEnabled {
		return
	}
	o.reclaimCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

// recordSweep records reclamation sweep metrics.
func (o *otelInstrumentation) recordSweep(ctx context.Context, duration time.Duration, examined, reclaimed int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("examined", examined),
		attribute.Int("reclaimed", reclaimed),
	)

	o.sweepLatency.Record(ctx, duration.Seconds(), attrs)
	o.sweepCount.Add(ctx, 1, attrs)
	if err != nil {
		o.sweepErrors.Add(ctx, 1, attrs)
	}
}
