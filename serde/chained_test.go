package serde_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-chronicle/go-chronicle/serde"
)

func TestChained(t *testing.T) {
	chainedSerde := serde.Chain(
		orderStateSerde,
		serde.NewJSON(func() *orderStateJSON { return new(orderStateJSON) }),
	)

	state := orderState{
		Status: statusPending,
		Total:  300,
		Note:   "double espresso",
	}

	expected := []byte(`{"status":"PENDING","total":300,"note":"double espresso"}`)

	bytes, err := chainedSerde.Serialize(state)
	assert.NoError(t, err)
	assert.Equal(t, expected, bytes)

	deserialized, err := chainedSerde.Deserialize(bytes)
	assert.NoError(t, err)
	assert.Equal(t, state, deserialized)

	t.Run("it propagates first stage failures", func(t *testing.T) {
		_, err := chainedSerde.Serialize(orderState{Status: orderStatus(42)})
		assert.Error(t, err)
	})
}
