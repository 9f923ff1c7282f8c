package projection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/version"
)

// Position records how far a named projection has progressed over the
// global event order. One Position exists per projection name; it is
// created on the first successfully applied event, advanced only after an
// event has been durably applied, and deleted only by an explicit rebuild.
type Position struct {
	ProjectionName  string
	LastEventID     uuid.UUID
	LastSequence    version.SequenceNumber
	EventsProcessed int64
	LastProcessedAt time.Time
}

// Advance returns the Position moved past the provided Domain Event.
func (p Position) Advance(evt event.Persisted, now time.Time) Position {
	return Position{
		ProjectionName:  p.ProjectionName,
		LastEventID:     evt.ID,
		LastSequence:    evt.SequenceNumber,
		EventsProcessed: p.EventsProcessed + 1,
		LastProcessedAt: now,
	}
}

// PositionStore durably tracks projection Positions by projection name.
type PositionStore interface {
	// Read returns the recorded Position for the projection name, or the
	// zero Position (with the name set) when no record exists yet.
	Read(ctx context.Context, projectionName string) (Position, error)

	// Write records the provided Position, creating or replacing the
	// record for its projection name.
	Write(ctx context.Context, position Position) error

	// Delete removes the Position record for the projection name, if
	// any. Used by rebuilds to restart the replay from the beginning.
	Delete(ctx context.Context, projectionName string) error
}

var _ PositionStore = &InMemoryPositionStore{}

// InMemoryPositionStore is a thread-safe, in-memory PositionStore
// implementation, useful for tests and volatile projections.
type InMemoryPositionStore struct {
	mx        sync.RWMutex
	positions map[string]Position
}

// NewInMemoryPositionStore creates a new empty InMemoryPositionStore.
func NewInMemoryPositionStore() *InMemoryPositionStore {
	return &InMemoryPositionStore{
		positions: make(map[string]Position),
	}
}

// Read implements the projection.PositionStore interface.
func (s *InMemoryPositionStore) Read(_ context.Context, projectionName string) (Position, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if position, ok := s.positions[projectionName]; ok {
		return position, nil
	}

	return Position{ProjectionName: projectionName}, nil
}

// Write implements the projection.PositionStore interface.
func (s *InMemoryPositionStore) Write(_ context.Context, position Position) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.positions[position.ProjectionName] = position

	return nil
}

// Delete implements the projection.PositionStore interface.
func (s *InMemoryPositionStore) Delete(_ context.Context, projectionName string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	delete(s.positions, projectionName)

	return nil
}
