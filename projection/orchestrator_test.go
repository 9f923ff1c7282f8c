package projection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/eventstore/inmemory"
	"github.com/get-chronicle/go-chronicle/internal/ordertest"
	"github.com/get-chronicle/go-chronicle/projection"
	"github.com/get-chronicle/go-chronicle/version"
)

var errApplyFailed = errors.New("failed to apply event")

// flakyProjector decorates a TotalsProjector with programmable failures,
// keyed by sequence number, and counts Apply calls per event. Failures
// can be programmed concurrently with a running poll loop.
type flakyProjector struct {
	inner *ordertest.TotalsProjector

	mx sync.Mutex
	// failures holds the remaining number of failures per sequence
	// number; a negative value fails forever.
	failures map[version.SequenceNumber]int
	applies  map[version.SequenceNumber]int
}

func newFlakyProjector() *flakyProjector {
	return &flakyProjector{
		inner:    ordertest.NewTotalsProjector(),
		failures: make(map[version.SequenceNumber]int),
		applies:  make(map[version.SequenceNumber]int),
	}
}

func (p *flakyProjector) failOn(sequenceNumber version.SequenceNumber, times int) {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.failures[sequenceNumber] = times
}

func (p *flakyProjector) recover(sequenceNumber version.SequenceNumber) {
	p.mx.Lock()
	defer p.mx.Unlock()

	delete(p.failures, sequenceNumber)
}

func (p *flakyProjector) applyCount(sequenceNumber version.SequenceNumber) int {
	p.mx.Lock()
	defer p.mx.Unlock()

	return p.applies[sequenceNumber]
}

func (p *flakyProjector) Apply(ctx context.Context, evt event.Persisted) error {
	p.mx.Lock()
	p.applies[evt.SequenceNumber]++
	remaining := p.failures[evt.SequenceNumber]

	if remaining > 0 {
		p.failures[evt.SequenceNumber]--
	}
	p.mx.Unlock()

	if remaining != 0 {
		return errApplyFailed
	}

	return p.inner.Apply(ctx, evt)
}

func (p *flakyProjector) Reset(ctx context.Context) error {
	return p.inner.Reset(ctx)
}

func (p *flakyProjector) CurrentPosition(ctx context.Context) (projection.Position, error) {
	return p.inner.CurrentPosition(ctx)
}

func appendOrderFixture(t *testing.T, store event.Appender, orderID string) {
	t.Helper()

	id := event.StreamID{Type: ordertest.StreamType, Name: orderID}

	_, err := store.Append(context.Background(), id, version.CheckExact(0),
		event.New(ordertest.OrderPlaced{OrderID: orderID, CustomerID: "customer-1"}),
		event.New(ordertest.ItemAdded{OrderID: orderID, Sku: "sku-1", Price: 250}),
		event.New(ordertest.OrderPaid{OrderID: orderID, Amount: 250}),
	)
	require.NoError(t, err)
}

func newOrchestrator(store event.Store, projector projection.Projector) *projection.Orchestrator {
	return &projection.Orchestrator{
		ProjectionName:    "order-totals",
		Querier:           store,
		Projector:         projector,
		Positions:         projection.NewInMemoryPositionStore(),
		MaxRetries:        3,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     5 * time.Millisecond,
	}
}

func TestOrchestratorProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("applies all events and records the position per event", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := ordertest.NewTotalsProjector()
		orchestrator := newOrchestrator(store, projector)

		applied, err := orchestrator.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, applied)

		position, err := orchestrator.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, version.SequenceNumber(3), position.LastSequence)
		assert.Equal(t, int64(3), position.EventsProcessed)
		assert.False(t, position.LastProcessedAt.IsZero())

		totals, ok := projector.Totals("order-1")
		require.True(t, ok)
		assert.Equal(t, int64(250), totals.Total)
		assert.True(t, totals.Paid)
	})

	t.Run("applies at most a batch worth of events per call", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		orchestrator := newOrchestrator(store, ordertest.NewTotalsProjector())
		orchestrator.BatchSize = 2

		applied, err := orchestrator.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, applied)

		position, err := orchestrator.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, version.SequenceNumber(2), position.LastSequence)
	})

	t.Run("retries a failing event until it succeeds", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := newFlakyProjector()
		projector.failOn(2, 2) // fails twice, succeeds on the third attempt

		orchestrator := newOrchestrator(store, projector)

		applied, err := orchestrator.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, applied)
		assert.Equal(t, 3, projector.applyCount(2))
	})

	t.Run("halts on an event exhausting its retries without skipping it", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := newFlakyProjector()
		projector.failOn(2, -1) // fails forever

		orchestrator := newOrchestrator(store, projector)

		applied, err := orchestrator.ProcessBatch(ctx)
		assert.Equal(t, 1, applied)

		var applyErr projection.ApplyError
		require.ErrorAs(t, err, &applyErr)
		assert.Equal(t, version.SequenceNumber(2), applyErr.SequenceNumber)
		assert.Equal(t, 3, applyErr.Attempts)
		assert.ErrorIs(t, err, errApplyFailed)

		// The position points just before the failed event.
		position, err := orchestrator.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, version.SequenceNumber(1), position.LastSequence)
		assert.Equal(t, int64(1), position.EventsProcessed)

		// Once the cause is fixed, the next poll resumes from the same
		// position without reprocessing the first event.
		projector.recover(2)

		applied, err = orchestrator.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, applied)
		assert.Equal(t, 1, projector.applyCount(1))

		totals, ok := projector.inner.Totals("order-1")
		require.True(t, ok)
		assert.Equal(t, int64(250), totals.Total)
	})

	t.Run("recovers the position from the projector when the store has no record", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := ordertest.NewTotalsProjector()

		// The read model has already seen the first two events, but the
		// position record was lost (e.g. process restart).
		events, err := store.EventsAfter(ctx, 0, 2)
		require.NoError(t, err)

		for _, evt := range events {
			require.NoError(t, projector.Apply(ctx, evt))
		}

		orchestrator := newOrchestrator(store, projector)

		applied, err := orchestrator.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, applied)
	})
}

func TestOrchestratorProcessToCaughtUp(t *testing.T) {
	ctx := context.Background()

	store := inmemory.NewEventStore()
	appendOrderFixture(t, store, "order-1")
	appendOrderFixture(t, store, "order-2")

	projector := ordertest.NewTotalsProjector()
	orchestrator := newOrchestrator(store, projector)
	orchestrator.BatchSize = 2

	total, err := orchestrator.ProcessToCaughtUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	health, err := orchestrator.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Zero(t, health.Lag)
}

func TestOrchestratorIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()

	store := inmemory.NewEventStore()
	appendOrderFixture(t, store, "order-1")

	projector := ordertest.NewTotalsProjector()
	orchestrator := newOrchestrator(store, projector)

	_, err := orchestrator.ProcessToCaughtUp(ctx)
	require.NoError(t, err)

	before, ok := projector.Totals("order-1")
	require.True(t, ok)

	// Simulate at-least-once redelivery of an already-applied event.
	events, err := store.EventsAfter(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, projector.Apply(ctx, events[0]))

	after, ok := projector.Totals("order-1")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestOrchestratorRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("reproduces the read model built by live processing", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")
		appendOrderFixture(t, store, "order-2")

		projector := ordertest.NewTotalsProjector()
		orchestrator := newOrchestrator(store, projector)

		_, err := orchestrator.ProcessToCaughtUp(ctx)
		require.NoError(t, err)

		live := projector.Snapshot()

		result := orchestrator.Rebuild(ctx)
		require.True(t, result.Success())
		assert.Equal(t, int64(6), result.EventsProcessed)
		assert.Empty(t, result.ErrorMessage())

		assert.Equal(t, live, projector.Snapshot())

		position, err := orchestrator.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), position.EventsProcessed)
	})

	t.Run("reports partial progress on failure", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := newFlakyProjector()
		projector.failOn(3, -1)

		orchestrator := newOrchestrator(store, projector)

		result := orchestrator.Rebuild(ctx)
		require.False(t, result.Success())
		assert.Equal(t, int64(2), result.EventsProcessed)
		assert.NotEmpty(t, result.ErrorMessage())

		var applyErr projection.ApplyError
		assert.ErrorAs(t, result.Err, &applyErr)

		// Events applied before the failure remain applied.
		position, err := orchestrator.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, version.SequenceNumber(2), position.LastSequence)
	})
}

func TestOrchestratorHealth(t *testing.T) {
	ctx := context.Background()

	store := inmemory.NewEventStore()
	projector := ordertest.NewTotalsProjector()

	orchestrator := newOrchestrator(store, projector)
	orchestrator.LagWarningThreshold = 3
	orchestrator.LagErrorThreshold = 5

	appendEvents := func(n int, orderID string) {
		id := event.StreamID{Type: ordertest.StreamType, Name: orderID}

		for i := 0; i < n; i++ {
			_, err := store.Append(ctx, id, version.Any,
				event.New(ordertest.ItemAdded{OrderID: orderID, Sku: "sku", Price: 1}))
			require.NoError(t, err)
		}
	}

	t.Run("current", func(t *testing.T) {
		health, err := orchestrator.Health(ctx)
		require.NoError(t, err)
		assert.True(t, health.Healthy)
		assert.Zero(t, health.Lag)
		assert.Equal(t, "projection is current", health.Message)
	})

	t.Run("slightly behind", func(t *testing.T) {
		appendEvents(2, "order-1")

		health, err := orchestrator.Health(ctx)
		require.NoError(t, err)
		assert.True(t, health.Healthy)
		assert.Equal(t, int64(2), health.Lag)
		assert.Equal(t, "projection is slightly behind", health.Message)
	})

	t.Run("warning threshold exceeded", func(t *testing.T) {
		appendEvents(2, "order-1")

		health, err := orchestrator.Health(ctx)
		require.NoError(t, err)
		assert.True(t, health.Healthy)
		assert.Equal(t, int64(4), health.Lag)
		assert.Equal(t, "projection is behind, warning threshold exceeded", health.Message)
	})

	t.Run("error threshold exceeded", func(t *testing.T) {
		appendEvents(2, "order-1")

		health, err := orchestrator.Health(ctx)
		require.NoError(t, err)
		assert.False(t, health.Healthy)
		assert.Equal(t, int64(6), health.Lag)
		assert.Equal(t, "projection is significantly behind, error threshold exceeded", health.Message)
	})
}
