// Package message exposes the generic Message type, used to represent
// the payload of a Domain Event carried through the Event Store.
package message

// Message is a Message payload.
//
// Each payload should have a unique name identifier, used to route
// the message back to its concrete type on deserialization.
type Message interface {
	Name() string
}

// Metadata contains data related to a Message that is not functional
// for the Message itself, but provides additional context, such as
// the identity of the actor that triggered it.
type Metadata map[string]string

// With returns a new Metadata reference holding the value addressed
// using the specified key.
func (m Metadata) With(key, value string) Metadata {
	if m == nil {
		m = make(Metadata)
	}

	m[key] = value

	return m
}

// Merge merges the other Metadata provided in input with the current map.
// Returns a pointer to the extended metadata map.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		return other
	}

	for k, v := range other {
		m[k] = v
	}

	return m
}
