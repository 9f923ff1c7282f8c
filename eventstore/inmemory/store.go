// Package inmemory provides a thread-safe, in-memory event.Store
// implementation, used as reference implementation and test double.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/version"
)

var _ event.Store = &EventStore{}

// EventStore is an in-memory event.Store implementation.
//
// Sequence Numbers are assigned under the store mutex, so the global
// order matches commit order exactly.
type EventStore struct {
	mx       sync.RWMutex
	events   []event.Persisted
	byStream map[event.StreamID][]int
}

// NewEventStore creates a new empty EventStore instance.
func NewEventStore() *EventStore {
	return &EventStore{
		byStream: make(map[event.StreamID][]int),
	}
}

// Append implements the event.Appender interface.
func (s *EventStore) Append(
	_ context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	if err := event.ValidateAppend(id, events); err != nil {
		return 0, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	currentVersion := version.Version(len(s.byStream[id]))

	if v, ok := expected.(version.CheckExact); ok && currentVersion != version.Version(v) {
		return 0, fmt.Errorf("inmemory.EventStore: stream version check failed, %w", version.ConflictError{
			Expected: version.Version(v),
			Actual:   currentVersion,
		})
	}

	for i, envelope := range events {
		persisted := event.Persisted{
			Envelope:       envelope,
			Stream:         id,
			Version:        currentVersion + version.Version(i) + 1,
			SequenceNumber: version.SequenceNumber(len(s.events) + 1),
		}

		s.events = append(s.events, persisted)
		s.byStream[id] = append(s.byStream[id], len(s.events)-1)
	}

	return currentVersion + version.Version(len(events)), nil
}

// Stream implements the event.Streamer interface.
//
// The call is synchronous: it returns once all the selected Events have
// been written to the provided Stream, which is then closed.
func (s *EventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) error {
	defer close(stream)

	s.mx.RLock()
	indexes := s.byStream[id]
	selected := make([]event.Persisted, 0, len(indexes))

	for _, idx := range indexes {
		if evt := s.events[idx]; evt.Version >= selector.From {
			selected = append(selected, evt)
		}
	}
	s.mx.RUnlock()

	for _, evt := range selected {
		select {
		case stream <- evt:
		case <-ctx.Done():
			return fmt.Errorf("inmemory.EventStore: context canceled while streaming, %w", ctx.Err())
		}
	}

	return nil
}

// EventsAfter implements the event.Querier interface.
func (s *EventStore) EventsAfter(
	_ context.Context,
	after version.SequenceNumber,
	limit int,
) ([]event.Persisted, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if after >= version.SequenceNumber(len(s.events)) || limit <= 0 {
		return nil, nil
	}

	// Sequence Numbers are assigned contiguously from 1, so the cursor
	// doubles as the slice offset.
	selected := s.events[after:]
	if len(selected) > limit {
		selected = selected[:limit]
	}

	events := make([]event.Persisted, len(selected))
	copy(events, selected)

	return events, nil
}

// LatestSequence implements the event.Querier interface.
func (s *EventStore) LatestSequence(_ context.Context) (version.SequenceNumber, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return version.SequenceNumber(len(s.events)), nil
}

// CountAfter implements the event.Querier interface.
func (s *EventStore) CountAfter(_ context.Context, after version.SequenceNumber) (int64, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if after >= version.SequenceNumber(len(s.events)) {
		return 0, nil
	}

	return int64(version.SequenceNumber(len(s.events)) - after), nil
}
