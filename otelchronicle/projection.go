package otelchronicle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/projection"
)

var _ projection.Projector = &InstrumentedProjector{}

// InstrumentedProjector wraps a projection.Projector instance to report
// traces and metrics on every event applied, using OpenTelemetry.
//
// Use InstrumentProjector to construct a new instance.
type InstrumentedProjector struct {
	name      string
	projector projection.Projector
	tracer    trace.Tracer

	applyCount    metric.Int64Counter
	applyDuration metric.Int64Histogram
}

// InstrumentProjector wraps the provided projection.Projector to report
// telemetry data on its execution, labeled with the projection name.
func InstrumentProjector(name string, projector projection.Projector, opts ...Option) (*InstrumentedProjector, error) {
	cfg := newConfig(opts...)
	meter := cfg.meter()

	ip := &InstrumentedProjector{
		name:      name,
		projector: projector,
		tracer:    cfg.tracer(),
	}

	var err error

	if ip.applyCount, err = meter.Int64Counter(
		"chronicle.projection.apply.count",
		metric.WithDescription("Count of projection apply operations performed."),
	); err != nil {
		return nil, fmt.Errorf("otelchronicle.InstrumentedProjector: failed to register metric, %w", err)
	}

	if ip.applyDuration, err = meter.Int64Histogram(
		"chronicle.projection.apply.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of projection apply operations performed."),
	); err != nil {
		return nil, fmt.Errorf("otelchronicle.InstrumentedProjector: failed to register metric, %w", err)
	}

	return ip, nil
}

// Apply implements the projection.Projector interface, delegating to the
// wrapped Projector and reporting telemetry data on its execution.
func (ip *InstrumentedProjector) Apply(ctx context.Context, evt event.Persisted) (err error) {
	attributes := []attribute.KeyValue{
		ProjectionNameKey.String(ip.name),
		EventTypeKey.String(evt.Message.Name()),
	}

	spanAttributes := append([]attribute.KeyValue{
		StreamTypeKey.String(evt.Stream.Type),
		StreamNameKey.String(evt.Stream.Name),
		EventVersionKey.Int64(int64(evt.Version)),
		SequenceNumberKey.Int64(int64(evt.SequenceNumber)),
	}, attributes...)

	ctx, span := ip.tracer.Start(ctx, "Projector.Apply", trace.WithAttributes(spanAttributes...))
	defer span.End()

	start := time.Now()
	defer func() {
		ip.applyDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(attributes...))
		ip.applyCount.Add(ctx, 1, metric.WithAttributes(
			append(attributes, ProjectionErrorKey.Bool(err != nil))...,
		))

		if err != nil {
			span.RecordError(err)
		}
	}()

	return ip.projector.Apply(ctx, evt)
}

// Reset implements the projection.Projector interface.
func (ip *InstrumentedProjector) Reset(ctx context.Context) (err error) {
	ctx, span := ip.tracer.Start(ctx, "Projector.Reset", trace.WithAttributes(
		ProjectionNameKey.String(ip.name),
	))
	defer span.End()

	if err = ip.projector.Reset(ctx); err != nil {
		span.RecordError(err)
	}

	return err
}

// CurrentPosition implements the projection.Projector interface.
func (ip *InstrumentedProjector) CurrentPosition(ctx context.Context) (projection.Position, error) {
	return ip.projector.CurrentPosition(ctx)
}
