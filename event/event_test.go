package event_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/internal/ordertest"
)

func TestValidateAppend(t *testing.T) {
	id := event.StreamID{Type: ordertest.StreamType, Name: "order-1"}
	events := []event.Envelope{event.New(ordertest.OrderPlaced{OrderID: "order-1"})}

	t.Run("accepts a well-formed append", func(t *testing.T) {
		assert.NoError(t, event.ValidateAppend(id, events))
	})

	testCases := map[string]struct {
		id     event.StreamID
		events []event.Envelope
	}{
		"empty stream type":       {event.StreamID{Name: id.Name}, events},
		"empty stream name":       {event.StreamID{Type: id.Type}, events},
		"no events":               {id, nil},
		"missing message payload": {id, []event.Envelope{{}}},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := event.ValidateAppend(tc.id, tc.events)

			var validationErr event.ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestStreamToSlice(t *testing.T) {
	evt := event.Persisted{
		Envelope: event.New(ordertest.OrderPlaced{OrderID: "order-1"}),
		Stream:   event.StreamID{Type: ordertest.StreamType, Name: "order-1"},
		Version:  1,
	}

	t.Run("drains the stream produced by the closure", func(t *testing.T) {
		events, err := event.StreamToSlice(context.Background(),
			func(_ context.Context, stream event.StreamWrite) error {
				defer close(stream)
				stream <- evt

				return nil
			})

		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, evt, events[0])
	})

	t.Run("propagates the closure error along with the partial result", func(t *testing.T) {
		errStream := errors.New("stream origin failed")

		events, err := event.StreamToSlice(context.Background(),
			func(_ context.Context, stream event.StreamWrite) error {
				defer close(stream)
				stream <- evt

				return errStream
			})

		assert.ErrorIs(t, err, errStream)
		assert.Len(t, events, 1)
	})
}
