// Package ordertest provides a small order-taking domain used as test
// fixture across the event store and projection test suites: a set of
// Domain Events, a byte serde for them, and an idempotent read-model
// projector tracking per-order totals.
package ordertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/message"
	"github.com/get-chronicle/go-chronicle/projection"
	"github.com/get-chronicle/go-chronicle/serde"
	"github.com/get-chronicle/go-chronicle/version"
)

// StreamType is the Event Stream type used by order streams.
const StreamType = "order"

// OrderPlaced is recorded when a customer opens a new order.
type OrderPlaced struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
}

// Name implements the message.Message interface.
func (OrderPlaced) Name() string { return "order_placed" }

// ItemAdded is recorded when an item is added to an open order.
type ItemAdded struct {
	OrderID string `json:"order_id"`
	Sku     string `json:"sku"`
	Price   int64  `json:"price"`
}

// Name implements the message.Message interface.
func (ItemAdded) Name() string { return "item_added" }

// OrderPaid is recorded when an open order is paid in full.
type OrderPaid struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

// Name implements the message.Message interface.
func (OrderPaid) Name() string { return "order_paid" }

type jsonEnvelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Serde maps the order Domain Events to and from a byte-array format,
// routing deserialization on the Message name.
var Serde serde.Bytes[message.Message] = serde.Fuse[message.Message, []byte](
	serde.AsSerializerFunc(func(msg message.Message) ([]byte, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("ordertest.Serde: failed to marshal payload, %w", err)
		}

		return json.Marshal(jsonEnvelope{Name: msg.Name(), Data: data})
	}),
	serde.AsDeserializerFunc(func(data []byte) (message.Message, error) {
		var envelope jsonEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("ordertest.Serde: failed to unmarshal envelope, %w", err)
		}

		var (
			msg message.Message
			err error
		)

		switch envelope.Name {
		case OrderPlaced{}.Name():
			var payload OrderPlaced
			err = json.Unmarshal(envelope.Data, &payload)
			msg = payload
		case ItemAdded{}.Name():
			var payload ItemAdded
			err = json.Unmarshal(envelope.Data, &payload)
			msg = payload
		case OrderPaid{}.Name():
			var payload OrderPaid
			err = json.Unmarshal(envelope.Data, &payload)
			msg = payload
		default:
			return nil, fmt.Errorf("ordertest.Serde: unknown message name %q", envelope.Name)
		}

		if err != nil {
			return nil, fmt.Errorf("ordertest.Serde: failed to unmarshal payload, %w", err)
		}

		return msg, nil
	}),
)

// OrderTotals is the read-model entity maintained by TotalsProjector.
type OrderTotals struct {
	OrderID     string
	CustomerID  string
	Items       int
	Total       int64
	Paid        bool
	LastVersion version.Version
}

var _ projection.Projector = &TotalsProjector{}

// TotalsProjector is an in-memory projection.Projector aggregating order
// totals, with the idempotency contract implemented the intended way:
// an incoming event at or below the entity's recorded version is treated
// as a duplicate delivery and applied as a no-op.
type TotalsProjector struct {
	mx       sync.RWMutex
	orders   map[string]OrderTotals
	position projection.Position
}

// NewTotalsProjector creates an empty TotalsProjector.
func NewTotalsProjector() *TotalsProjector {
	return &TotalsProjector{
		orders: make(map[string]OrderTotals),
	}
}

// Apply implements the projection.Projector interface.
func (p *TotalsProjector) Apply(_ context.Context, evt event.Persisted) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	entity := p.orders[evt.Stream.Name]

	// Idempotency guard: duplicate deliveries are no-op successes.
	if evt.Version <= entity.LastVersion {
		return nil
	}

	switch payload := evt.Message.(type) {
	case OrderPlaced:
		entity.OrderID = payload.OrderID
		entity.CustomerID = payload.CustomerID
	case ItemAdded:
		entity.Items++
		entity.Total += payload.Price
	case OrderPaid:
		entity.Paid = true
	default:
		return fmt.Errorf("ordertest.TotalsProjector: unexpected message type %T", payload)
	}

	entity.LastVersion = evt.Version
	p.orders[evt.Stream.Name] = entity
	p.position = p.position.Advance(evt, time.Now())

	return nil
}

// Reset implements the projection.Projector interface, clearing the
// read model back to empty.
func (p *TotalsProjector) Reset(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.orders = make(map[string]OrderTotals)
	p.position = projection.Position{}

	return nil
}

// CurrentPosition implements the projection.Projector interface,
// reporting the high-water mark the read model itself has reached.
func (p *TotalsProjector) CurrentPosition(context.Context) (projection.Position, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()

	return p.position, nil
}

// Totals returns the read-model entity for the given order stream name.
func (p *TotalsProjector) Totals(streamName string) (OrderTotals, bool) {
	p.mx.RLock()
	defer p.mx.RUnlock()

	totals, ok := p.orders[streamName]

	return totals, ok
}

// Snapshot returns a copy of the whole read model, used to compare a
// rebuilt projection against a live-processed one.
func (p *TotalsProjector) Snapshot() map[string]OrderTotals {
	p.mx.RLock()
	defer p.mx.RUnlock()

	snapshot := make(map[string]OrderTotals, len(p.orders))
	for name, totals := range p.orders {
		snapshot[name] = totals
	}

	return snapshot
}
