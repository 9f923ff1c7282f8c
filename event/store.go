package event

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/get-chronicle/go-chronicle/version"
)

// Stream represents a stream of persisted Domain Events coming from some
// stream-able source of data, like an Event Store.
type Stream = chan Persisted

// StreamWrite provides write-only access to an event.Stream object.
type StreamWrite chan<- Persisted

// StreamRead provides read-only access to an event.Stream object.
type StreamRead <-chan Persisted

// StreamToSlice synchronously exhausts an event.Stream to an event.Persisted
// slice, and returns an error if the Stream origin, passed here as a closure,
// fails with an error.
func StreamToSlice(ctx context.Context, f func(ctx context.Context, stream StreamWrite) error) ([]Persisted, error) {
	ch := make(chan Persisted, 1)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return f(ctx, ch) })

	var events []Persisted
	for event := range ch {
		events = append(events, event)
	}

	return events, group.Wait()
}

// Appender is the event.Store trait used to append new Domain Events
// to an Event Stream.
type Appender interface {
	// Append commits the provided Domain Events to the Event Stream
	// specified, returning the new version of the stream.
	//
	// The append is atomic: either all the Events are committed, or none
	// is. Appenders to the same Event Stream serialize on the stream,
	// while appends to different streams proceed fully in parallel.
	//
	// A version.CheckExact value can be supplied to enable an Optimistic
	// Concurrency check on append, using the expected version of the
	// Event Stream prior to appending the new Events; use 0 for a
	// brand-new stream. version.ConflictError is returned on mismatch,
	// with no partial writes: the caller should re-read the current
	// stream version and retry.
	//
	// Malformed input is rejected with a ValidationError before any
	// write is attempted. Transactional I/O failures are rolled back and
	// reported as a StorageError, safe to retry as a fresh call.
	Append(ctx context.Context, id StreamID, expected version.Check, events ...Envelope) (version.Version, error)
}

// Streamer is the event.Store trait used to open a specific Event Stream
// and stream it back to the application, e.g. to rehydrate an aggregate.
//
// Implementations are synchronous, returning only once all selected Events
// have been written to the provided Stream, which is then closed. The
// channel is provided in input as inversion of dependency, so that callers
// choose the buffering matching their own concurrency properties.
type Streamer interface {
	Stream(ctx context.Context, stream StreamWrite, id StreamID, selector version.Selector) error
}

// Querier is the read-side cursoring trait of the event.Store, exposing
// ordered, paginated, resumable iteration over the global Event Store
// order. It is the contract Projections are driven by.
type Querier interface {
	// EventsAfter returns the Events whose Sequence Number is greater
	// than the provided cursor (0 means "from the beginning"), ascending
	// by Sequence Number, up to limit entries. An empty result means the
	// caller is caught up to the snapshot taken at query time.
	EventsAfter(ctx context.Context, after version.SequenceNumber, limit int) ([]Persisted, error)

	// LatestSequence returns the current maximum Sequence Number in the
	// Event Store, or 0 if the store is empty.
	LatestSequence(ctx context.Context) (version.SequenceNumber, error)

	// CountAfter returns the number of Events with Sequence Number
	// greater than the provided cursor. It is used for lag reporting and
	// must be cheap, backed by the Sequence Number index rather than by
	// materializing the Events.
	CountAfter(ctx context.Context, after version.SequenceNumber) (int64, error)
}

// Store represents an Event Store, a stateful data source where Domain
// Events can be safely stored, easily replayed and queried in global order.
type Store interface {
	Appender
	Streamer
	Querier
}

// FusedStore is a convenience type to fuse multiple Event Store traits
// where the functionality of the Store is extended only partially,
// e.g. wrapping the Append() method while keeping Streamer and Querier
// untouched.
type FusedStore struct {
	Appender
	Streamer
	Querier
}
