package serde_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/get-chronicle/go-chronicle/serde"
)

func newOrderStruct(t *testing.T) *structpb.Struct {
	t.Helper()

	value, err := structpb.NewStruct(map[string]any{
		"order_id": "order-1",
		"total":    300,
		"paid":     true,
	})
	require.NoError(t, err)

	return value
}

func TestProto(t *testing.T) {
	protoSerde := serde.NewProto(func() *structpb.Struct { return new(structpb.Struct) })

	t.Run("it works with valid data", func(t *testing.T) {
		value := newOrderStruct(t)

		serialized, err := protoSerde.Serialize(value)
		assert.NoError(t, err)
		assert.NotEmpty(t, serialized)

		deserialized, err := protoSerde.Deserialize(serialized)
		assert.NoError(t, err)
		assert.True(t, proto.Equal(value, deserialized))
	})

	t.Run("it fails deserialization of invalid wire data", func(t *testing.T) {
		deserialized, err := protoSerde.Deserialize([]byte("not-a-proto-message"))
		assert.Error(t, err)
		assert.Zero(t, deserialized)
	})
}

func TestProtoJSON(t *testing.T) {
	protoJSONSerde := serde.NewProtoJSON(func() *structpb.Struct { return new(structpb.Struct) })

	t.Run("it works with valid data", func(t *testing.T) {
		value := newOrderStruct(t)

		serialized, err := protoJSONSerde.Serialize(value)
		assert.NoError(t, err)
		assert.NotEmpty(t, serialized)

		deserialized, err := protoJSONSerde.Deserialize(serialized)
		assert.NoError(t, err)
		assert.True(t, proto.Equal(value, deserialized))
	})

	t.Run("it fails deserialization of invalid json data", func(t *testing.T) {
		deserialized, err := protoJSONSerde.Deserialize([]byte("{"))
		assert.Error(t, err)
		assert.Zero(t, deserialized)
	})
}
