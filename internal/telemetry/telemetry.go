// Package telemetry wraps logging, metrics and traces for every component
// of the bridge. Logs go to a tint console handler and to the OpenTelemetry
// log bridge, metrics and traces use the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the logger, meter and tracer of a single component.
// A component is identified by its kind (e.g. "transport") and its name
// (e.g. "tcp").
type Telemetry struct {
	kind string
	name string

	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	attrs metric.MeasurementOption
}

// New returns the telemetry for the given component.
func New(kind, name string) *Telemetry {
	logger := slog.New(loadHandler()).With("kind", kind, "name", name)

	return &Telemetry{
		kind: kind,
		name: name,

		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),

		attrs: metric.WithAttributes(
			attribute.String("component.kind", kind),
			attribute.String("component.name", name),
		),
	}
}

// Kind returns the kind of the component.
func (t *Telemetry) Kind() string {
	return t.kind
}

// Name returns the name of the component.
func (t *Telemetry) Name() string {
	return t.name
}

// Logger returns the underlying structured logger.
func (t *Telemetry) Logger() *slog.Logger {
	return t.logger
}

// LogDebug logs a debug message.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.logger.Debug(msg, args...)
}

// LogInfo logs an info message.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a warning message.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs an error message with the given error attached.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append([]any{"error", err}, args...)...)
}

// NewTrace starts a new span as a child of the span carried by ctx.
func (t *Telemetry) NewTrace(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("component.kind", t.kind),
		attribute.String("component.name", t.name),
	))
}

// NewCounter registers a monotonic counter whose value is read
// from the given function every time the metrics are collected.
func (t *Telemetry) NewCounter(name string, valueFn func() int64) {
	_, err := t.meter.Int64ObservableCounter(name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(valueFn(), t.attrs)
			return nil
		}),
	)
	if err != nil {
		t.LogError("failed to create counter", err, "counter", name)
	}
}

// NewUpDownCounter registers a counter that can go up and down
// (e.g. a queue length). The value is read from the given function.
func (t *Telemetry) NewUpDownCounter(name string, valueFn func() int64) {
	_, err := t.meter.Int64ObservableUpDownCounter(name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(valueFn(), t.attrs)
			return nil
		}),
	)
	if err != nil {
		t.LogError("failed to create up-down counter", err, "counter", name)
	}
}

// Histogram records float64 samples tagged with the component attributes.
type Histogram struct {
	hist  metric.Float64Histogram
	attrs metric.MeasurementOption
}

// Record adds a sample to the histogram.
func (h *Histogram) Record(ctx context.Context, value float64) {
	if h == nil || h.hist == nil {
		return
	}
	h.hist.Record(ctx, value, h.attrs)
}

// NewHistogram registers a histogram with the given unit.
func (t *Telemetry) NewHistogram(name, unit string) *Histogram {
	hist, err := t.meter.Float64Histogram(name, metric.WithUnit(unit))
	if err != nil {
		t.LogError("failed to create histogram", err, "histogram", name)
		return &Histogram{}
	}

	return &Histogram{
		hist:  hist,
		attrs: t.attrs,
	}
}
