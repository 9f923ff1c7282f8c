// Package otelchronicle provides extension components to instrument
// chronicle event stores and projectors with traces and metrics,
// using OpenTelemetry.
package otelchronicle

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/get-chronicle/go-chronicle/otelchronicle"

// Attribute keys used by the instrumented components.
const (
	StreamTypeKey      attribute.Key = "event_stream.type"
	StreamNameKey      attribute.Key = "event_stream.name"
	EventTypeKey       attribute.Key = "event.type"
	EventVersionKey    attribute.Key = "event.version"
	SequenceNumberKey  attribute.Key = "event.sequence_number"
	NumEventsKey       attribute.Key = "event_store.num_events"
	ProjectionNameKey  attribute.Key = "projection.name"
	ProjectionErrorKey attribute.Key = "projection.error"
)

type config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

func newConfig(opts ...Option) config {
	cfg := config{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

func (cfg config) tracer() trace.Tracer {
	return cfg.tracerProvider.Tracer(instrumentationName)
}

func (cfg config) meter() metric.Meter {
	return cfg.meterProvider.Meter(instrumentationName)
}

// Option allows adjusting the instrumentation configuration.
type Option func(*config)

// WithTracerProvider overrides the trace.TracerProvider used, which
// otherwise defaults to the global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = provider
	}
}

// WithMeterProvider overrides the metric.MeterProvider used, which
// otherwise defaults to the global provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(cfg *config) {
		cfg.meterProvider = provider
	}
}
