package otelchronicle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/version"
)

var _ event.Store = &InstrumentedEventStore{}

// InstrumentedEventStore wraps an event.Store instance to report traces
// and metrics on its operations using OpenTelemetry.
//
// Use NewInstrumentedEventStore to construct a new instance.
type InstrumentedEventStore struct {
	eventStore event.Store
	tracer     trace.Tracer

	appendDuration metric.Int64Histogram
	streamDuration metric.Int64Histogram
	queryDuration  metric.Int64Histogram
}

// NewInstrumentedEventStore wraps the provided event.Store to report
// telemetry data on its operations.
func NewInstrumentedEventStore(eventStore event.Store, opts ...Option) (*InstrumentedEventStore, error) {
	cfg := newConfig(opts...)
	meter := cfg.meter()

	ies := &InstrumentedEventStore{
		eventStore: eventStore,
		tracer:     cfg.tracer(),
	}

	var err error

	if ies.appendDuration, err = meter.Int64Histogram(
		"chronicle.event_store.append.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event.Store.Append operations performed."),
	); err != nil {
		return nil, fmt.Errorf("otelchronicle.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.streamDuration, err = meter.Int64Histogram(
		"chronicle.event_store.stream.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event.Store.Stream operations performed."),
	); err != nil {
		return nil, fmt.Errorf("otelchronicle.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.queryDuration, err = meter.Int64Histogram(
		"chronicle.event_store.query.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event.Querier operations performed."),
	); err != nil {
		return nil, fmt.Errorf("otelchronicle.InstrumentedEventStore: failed to register metric, %w", err)
	}

	return ies, nil
}

// Append implements the event.Appender interface.
func (ies *InstrumentedEventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (newVersion version.Version, err error) {
	attributes := []attribute.KeyValue{
		StreamTypeKey.String(id.Type),
		StreamNameKey.String(id.Name),
		NumEventsKey.Int(len(events)),
	}

	ctx, span := ies.tracer.Start(ctx, "EventStore.Append", trace.WithAttributes(attributes...))
	defer span.End()

	start := time.Now()
	defer func() {
		ies.appendDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(attributes...))

		if err != nil {
			span.RecordError(err)
		}
	}()

	newVersion, err = ies.eventStore.Append(ctx, id, expected, events...)

	return newVersion, err
}

// Stream implements the event.Streamer interface.
func (ies *InstrumentedEventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) (err error) {
	attributes := []attribute.KeyValue{
		StreamTypeKey.String(id.Type),
		StreamNameKey.String(id.Name),
	}

	ctx, span := ies.tracer.Start(ctx, "EventStore.Stream", trace.WithAttributes(attributes...))
	defer span.End()

	start := time.Now()
	defer func() {
		ies.streamDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(attributes...))

		if err != nil {
			span.RecordError(err)
		}
	}()

	return ies.eventStore.Stream(ctx, stream, id, selector)
}

// EventsAfter implements the event.Querier interface.
func (ies *InstrumentedEventStore) EventsAfter(
	ctx context.Context,
	after version.SequenceNumber,
	limit int,
) (events []event.Persisted, err error) {
	ctx, span := ies.tracer.Start(ctx, "EventStore.EventsAfter", trace.WithAttributes(
		SequenceNumberKey.Int64(int64(after)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		ies.queryDuration.Record(ctx, time.Since(start).Milliseconds())

		if err != nil {
			span.RecordError(err)
		}
	}()

	return ies.eventStore.EventsAfter(ctx, after, limit)
}

// LatestSequence implements the event.Querier interface.
func (ies *InstrumentedEventStore) LatestSequence(ctx context.Context) (version.SequenceNumber, error) {
	return ies.eventStore.LatestSequence(ctx)
}

// CountAfter implements the event.Querier interface.
func (ies *InstrumentedEventStore) CountAfter(ctx context.Context, after version.SequenceNumber) (int64, error) {
	return ies.eventStore.CountAfter(ctx, after)
}
