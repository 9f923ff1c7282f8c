// Package serde contains serialization and deserialization components
// used to map Domain Event payloads to and from their persisted format.
package serde

// Serializer serializes a Source type into a Destination type.
type Serializer[Src any, Dst any] interface {
	Serialize(src Src) (Dst, error)
}

// SerializerFunc is a functional implementation of the Serializer interface.
type SerializerFunc[Src any, Dst any] func(src Src) (Dst, error)

// Serialize implements the serde.Serializer interface.
func (fn SerializerFunc[Src, Dst]) Serialize(src Src) (Dst, error) { return fn(src) }

// AsSerializerFunc casts the given serialization function into
// a compatible Serializer interface type.
func AsSerializerFunc[Src, Dst any](f func(src Src) (Dst, error)) SerializerFunc[Src, Dst] {
	return SerializerFunc[Src, Dst](f)
}

// Deserializer deserializes a Source type from a Destination type.
type Deserializer[Src any, Dst any] interface {
	Deserialize(dst Dst) (Src, error)
}

// DeserializerFunc is a functional implementation of the Deserializer interface.
type DeserializerFunc[Src any, Dst any] func(dst Dst) (Src, error)

// Deserialize implements the serde.Deserializer interface.
func (fn DeserializerFunc[Src, Dst]) Deserialize(dst Dst) (Src, error) { return fn(dst) }

// AsDeserializerFunc casts the given deserialization function into
// a compatible Deserializer interface type.
func AsDeserializerFunc[Src, Dst any](f func(dst Dst) (Src, error)) DeserializerFunc[Src, Dst] {
	return DeserializerFunc[Src, Dst](f)
}

// Serde is used to serialize and deserialize from a Source to a Destination type.
type Serde[Src any, Dst any] interface {
	Serializer[Src, Dst]
	Deserializer[Src, Dst]
}

// Bytes is a Serde specialization used to serialize a Source type to and
// deserialize it from a byte array, the format ultimately persisted
// by the Event Store implementations.
type Bytes[Src any] interface {
	Serde[Src, []byte]
}

// Fused fuses different Serializer and Deserializer implementations
// with compatible types into a single Serde.
type Fused[Src any, Dst any] struct {
	Serializer[Src, Dst]
	Deserializer[Src, Dst]
}

// Fuse combines the given Serializer and Deserializer with compatible types
// and returns a Serde implementation through serde.Fused.
func Fuse[Src, Dst any](serializer Serializer[Src, Dst], deserializer Deserializer[Src, Dst]) Fused[Src, Dst] {
	return Fused[Src, Dst]{
		Serializer:   serializer,
		Deserializer: deserializer,
	}
}
