// Package event contains the Domain Event model and the Event Store
// contract: transactional, append-only storage of per-aggregate Event
// Streams with a single global total order across all streams.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/get-chronicle/go-chronicle/message"
	"github.com/get-chronicle/go-chronicle/version"
)

// StreamID identifies an Event Stream, the ordered sequence of Domain
// Events belonging to one aggregate.
type StreamID struct {
	// Type is the type, or category, of the Event Stream. Usually,
	// this is the name of the Aggregate type.
	Type string

	// Name is the name of the Event Stream. Usually, this is the string
	// representation of the Aggregate id.
	Name string
}

// Envelope is a Domain Event to be committed to the Event Store,
// bundling the Message payload with its identity and context metadata.
type Envelope struct {
	// ID uniquely identifies the Domain Event across the whole Event Store.
	ID uuid.UUID

	// SchemaVersion is the version of the Message payload schema,
	// used to evolve payload formats over time. Starts at 1.
	SchemaVersion uint32

	// Message is the Domain Event payload.
	Message message.Message

	// Metadata provides additional non-functional context on the Event.
	Metadata message.Metadata

	// OccurredAt is the wall-clock time the Event was produced.
	// It is informational only: it must never be used as ordering key.
	OccurredAt time.Time

	// CausationID is the id of the message that directly caused
	// this Event, if any (uuid.Nil otherwise).
	CausationID uuid.UUID

	// CorrelationID groups all Events belonging to the same logical
	// flow of execution, if any (uuid.Nil otherwise).
	CorrelationID uuid.UUID
}

// New wraps the provided Message payload in an Envelope with a freshly
// minted id, schema version 1 and OccurredAt set to the current time.
func New(msg message.Message) Envelope {
	return Envelope{
		ID:            uuid.New(),
		SchemaVersion: 1,
		Message:       msg,
		OccurredAt:    time.Now(),
	}
}

// Persisted is a Domain Event that has been committed to the Event Store.
// Persisted Events are immutable: they are never updated nor deleted.
type Persisted struct {
	Envelope

	// Stream is the Event Stream the Event belongs to.
	Stream StreamID

	// Version is the version of the Event Stream after this Event,
	// strictly increasing with no gaps within the stream.
	Version version.Version

	// SequenceNumber is the global offset of the Event in the Event
	// Store, assigned at commit time. It defines the single total order
	// used to drive Projections.
	SequenceNumber version.SequenceNumber
}
