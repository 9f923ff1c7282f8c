// Package chronicle contains types and abstractions to write Event-sourced
// applications on top of an append-only Event Store, without having to take
// care of the infrastructure setup necessary to run such an architecture.
//
// The library contains multiple packages: start from `event` for the Event
// Store abstractions and `version` for optimistic concurrency control, then
// move to `projection` to derive Read Models from the global event log.
//
// `eventstore/postgres` and `eventstore/inmemory` provide the Event Store
// implementations, while `otelchronicle` adds OpenTelemetry instrumentation
// on top of them.
package chronicle
