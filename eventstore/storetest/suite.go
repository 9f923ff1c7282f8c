// Package storetest provides an acceptance test suite asserting the
// event.Store contract, runnable against any Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/internal/ordertest"
	"github.com/get-chronicle/go-chronicle/version"
)

// Suite asserts the event.Store append/read contract: per-stream version
// ordering, optimistic concurrency, global sequence ordering and
// read-side cursoring.
//
// The suite only appends to uniquely-named streams and asserts relative
// to the sequence high-water mark observed at setup, so it can run
// against a shared, non-empty database.
type Suite struct {
	suite.Suite

	// NewStore returns the Store under test. Called once per test.
	NewStore func() event.Store

	store event.Store
	base  version.SequenceNumber
}

// NewSuite creates a Suite running against the Store instances returned
// by the provided factory.
func NewSuite(newStore func() event.Store) *Suite {
	return &Suite{NewStore: newStore}
}

// SetupTest implements the suite.SetupTestSuite interface.
func (s *Suite) SetupTest() {
	s.store = s.NewStore()

	latest, err := s.store.LatestSequence(context.Background())
	s.Require().NoError(err)

	s.base = latest
}

func newStreamID() event.StreamID {
	return event.StreamID{
		Type: ordertest.StreamType,
		Name: uuid.NewString(),
	}
}

func placeOrderEvents(id event.StreamID) []event.Envelope {
	return []event.Envelope{
		event.New(ordertest.OrderPlaced{OrderID: id.Name, CustomerID: "customer-1"}),
		event.New(ordertest.ItemAdded{OrderID: id.Name, Sku: "sku-1", Price: 500}),
		event.New(ordertest.OrderPaid{OrderID: id.Name, Amount: 500}),
	}
}

func (s *Suite) TestAppendToNewStream() {
	ctx := context.Background()
	id := newStreamID()
	events := placeOrderEvents(id)

	newVersion, err := s.store.Append(ctx, id, version.CheckExact(0), events...)
	s.Require().NoError(err)
	s.Require().Equal(version.Version(3), newVersion)

	persisted, err := event.StreamToSlice(ctx, func(ctx context.Context, stream event.StreamWrite) error {
		return s.store.Stream(ctx, stream, id, version.SelectFromBeginning)
	})
	s.Require().NoError(err)
	s.Require().Len(persisted, 3)

	for i, evt := range persisted {
		s.Assert().Equal(id, evt.Stream)
		s.Assert().Equal(version.Version(i+1), evt.Version)
		s.Assert().Equal(events[i].Message, evt.Message)
		s.Assert().Equal(events[i].ID, evt.ID)

		if i > 0 {
			s.Assert().Greater(evt.SequenceNumber, persisted[i-1].SequenceNumber)
		}
	}
}

func (s *Suite) TestAppendVersionConflict() {
	ctx := context.Background()
	id := newStreamID()

	_, err := s.store.Append(ctx, id, version.CheckExact(0), placeOrderEvents(id)...)
	s.Require().NoError(err)

	count, err := s.store.CountAfter(ctx, s.base)
	s.Require().NoError(err)

	// Stale expected version: the stream is already at version 3.
	_, err = s.store.Append(ctx, id, version.CheckExact(1),
		event.New(ordertest.ItemAdded{OrderID: id.Name, Sku: "sku-2", Price: 100}),
	)

	var conflict version.ConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Assert().Equal(version.Version(1), conflict.Expected)
	s.Assert().Equal(version.Version(3), conflict.Actual)

	// No partial writes: the failed append left no events behind.
	after, err := s.store.CountAfter(ctx, s.base)
	s.Require().NoError(err)
	s.Assert().Equal(count, after)
}

func (s *Suite) TestAppendValidation() {
	ctx := context.Background()
	id := newStreamID()

	testCases := map[string]func() (version.Version, error){
		"empty stream type": func() (version.Version, error) {
			return s.store.Append(ctx, event.StreamID{Name: id.Name}, version.Any,
				event.New(ordertest.OrderPaid{OrderID: id.Name}))
		},
		"empty stream name": func() (version.Version, error) {
			return s.store.Append(ctx, event.StreamID{Type: id.Type}, version.Any,
				event.New(ordertest.OrderPaid{OrderID: id.Name}))
		},
		"no events": func() (version.Version, error) {
			return s.store.Append(ctx, id, version.Any)
		},
		"missing message payload": func() (version.Version, error) {
			return s.store.Append(ctx, id, version.Any, event.Envelope{})
		},
	}

	for name, appendFn := range testCases {
		s.Run(name, func() {
			_, err := appendFn()

			var validationErr event.ValidationError
			s.Require().ErrorAs(err, &validationErr)
		})
	}

	// Nothing was persisted by any of the rejected appends.
	count, err := s.store.CountAfter(ctx, s.base)
	s.Require().NoError(err)
	s.Assert().Zero(count)
}

func (s *Suite) TestAppendWithoutVersionCheck() {
	ctx := context.Background()
	id := newStreamID()

	newVersion, err := s.store.Append(ctx, id, version.Any,
		event.New(ordertest.OrderPlaced{OrderID: id.Name, CustomerID: "customer-2"}))
	s.Require().NoError(err)
	s.Assert().Equal(version.Version(1), newVersion)

	newVersion, err = s.store.Append(ctx, id, version.Any,
		event.New(ordertest.OrderPaid{OrderID: id.Name}))
	s.Require().NoError(err)
	s.Assert().Equal(version.Version(2), newVersion)
}

func (s *Suite) TestEventsAfterCursoring() {
	ctx := context.Background()
	id := newStreamID()

	_, err := s.store.Append(ctx, id, version.CheckExact(0),
		event.New(ordertest.OrderPlaced{OrderID: id.Name, CustomerID: "customer-3"}),
		event.New(ordertest.ItemAdded{OrderID: id.Name, Sku: "sku-1", Price: 100}),
		event.New(ordertest.ItemAdded{OrderID: id.Name, Sku: "sku-2", Price: 200}),
		event.New(ordertest.ItemAdded{OrderID: id.Name, Sku: "sku-3", Price: 300}),
		event.New(ordertest.OrderPaid{OrderID: id.Name, Amount: 600}),
	)
	s.Require().NoError(err)

	firstPage, err := s.store.EventsAfter(ctx, s.base, 3)
	s.Require().NoError(err)
	s.Require().Len(firstPage, 3)

	secondPage, err := s.store.EventsAfter(ctx, firstPage[2].SequenceNumber, 3)
	s.Require().NoError(err)
	s.Require().Len(secondPage, 2)

	all := append(firstPage, secondPage...)
	for i, evt := range all {
		s.Assert().Equal(version.Version(i+1), evt.Version)

		if i > 0 {
			s.Assert().Greater(evt.SequenceNumber, all[i-1].SequenceNumber)
		}
	}

	// Caught up: an empty page signals no backlog left.
	caughtUp, err := s.store.EventsAfter(ctx, all[4].SequenceNumber, 3)
	s.Require().NoError(err)
	s.Assert().Empty(caughtUp)

	latest, err := s.store.LatestSequence(ctx)
	s.Require().NoError(err)
	s.Assert().Equal(all[4].SequenceNumber, latest)

	lag, err := s.store.CountAfter(ctx, s.base)
	s.Require().NoError(err)
	s.Assert().Equal(int64(5), lag)
}

func (s *Suite) TestGlobalOrderSpansStreams() {
	ctx := context.Background()
	first, second := newStreamID(), newStreamID()

	for i := 0; i < 3; i++ {
		_, err := s.store.Append(ctx, first, version.CheckExact(version.Version(i)),
			event.New(ordertest.ItemAdded{OrderID: first.Name, Sku: fmt.Sprintf("sku-%d", i), Price: 100}))
		s.Require().NoError(err)

		_, err = s.store.Append(ctx, second, version.CheckExact(version.Version(i)),
			event.New(ordertest.ItemAdded{OrderID: second.Name, Sku: fmt.Sprintf("sku-%d", i), Price: 100}))
		s.Require().NoError(err)
	}

	events, err := s.store.EventsAfter(ctx, s.base, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 6)

	perStream := make(map[event.StreamID]version.Version)

	for i, evt := range events {
		if i > 0 {
			s.Assert().Greater(evt.SequenceNumber, events[i-1].SequenceNumber)
		}

		// Within each stream, versions grow contiguously in global order.
		s.Assert().Equal(perStream[evt.Stream]+1, evt.Version)
		perStream[evt.Stream] = evt.Version
	}
}

func (s *Suite) TestConcurrentAppendsToSameStream() {
	ctx := context.Background()
	id := newStreamID()

	results := make([]error, 2)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, results[i] = s.store.Append(ctx, id, version.CheckExact(0),
				event.New(ordertest.OrderPlaced{OrderID: id.Name, CustomerID: fmt.Sprintf("customer-%d", i)}))
		}(i)
	}
	wg.Wait()

	var conflicts, successes int

	for _, err := range results {
		var conflict version.ConflictError

		switch {
		case err == nil:
			successes++
		case errors.As(err, &conflict):
			conflicts++
			s.Assert().Equal(version.Version(0), conflict.Expected)
			s.Assert().Equal(version.Version(1), conflict.Actual)
		default:
			s.Failf("unexpected append error", "%v", err)
		}
	}

	s.Assert().Equal(1, successes)
	s.Assert().Equal(1, conflicts)

	// Only the winner's event is visible.
	persisted, err := event.StreamToSlice(ctx, func(ctx context.Context, stream event.StreamWrite) error {
		return s.store.Stream(ctx, stream, id, version.SelectFromBeginning)
	})
	s.Require().NoError(err)
	s.Assert().Len(persisted, 1)
}

func (s *Suite) TestConcurrentAppendsToDistinctStreams() {
	ctx := context.Background()

	const (
		streams         = 8
		eventsPerStream = 3
	)

	var wg sync.WaitGroup

	errs := make([]error, streams)

	for i := 0; i < streams; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			id := newStreamID()
			events := make([]event.Envelope, 0, eventsPerStream)

			for j := 0; j < eventsPerStream; j++ {
				events = append(events, event.New(ordertest.ItemAdded{
					OrderID: id.Name,
					Sku:     fmt.Sprintf("sku-%d", j),
					Price:   100,
				}))
			}

			_, errs[i] = s.store.Append(ctx, id, version.CheckExact(0), events...)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		s.Require().NoError(err)
	}

	events, err := s.store.EventsAfter(ctx, s.base, streams*eventsPerStream+1)
	s.Require().NoError(err)
	s.Require().Len(events, streams*eventsPerStream)

	seen := make(map[version.SequenceNumber]bool, len(events))

	for i, evt := range events {
		s.Require().False(seen[evt.SequenceNumber], "sequence number %d assigned twice", evt.SequenceNumber)
		seen[evt.SequenceNumber] = true

		if i > 0 {
			s.Assert().Greater(evt.SequenceNumber, events[i-1].SequenceNumber)
		}
	}
}
