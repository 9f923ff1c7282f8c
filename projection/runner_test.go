package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-chronicle/go-chronicle/eventstore/inmemory"
	"github.com/get-chronicle/go-chronicle/internal/ordertest"
	"github.com/get-chronicle/go-chronicle/projection"
)

const (
	eventuallyTimeout = 3 * time.Second
	eventuallyTick    = 5 * time.Millisecond
)

func newRunner(orchestrator *projection.Orchestrator) *projection.Runner {
	return &projection.Runner{
		Orchestrator: orchestrator,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestRunnerStart(t *testing.T) {
	ctx := context.Background()

	t.Run("catches up synchronously, then keeps polling for new events", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := ordertest.NewTotalsProjector()
		runner := newRunner(newOrchestrator(store, projector))

		require.NoError(t, runner.Start(ctx))
		defer runner.Stop()

		assert.Equal(t, projection.StateRunning, runner.State())

		// The synchronous catch-up already applied the backlog.
		totals, ok := projector.Totals("order-1")
		require.True(t, ok)
		assert.True(t, totals.Paid)

		// New events are picked up by the poll loop.
		appendOrderFixture(t, store, "order-2")

		assert.Eventually(t, func() bool {
			status, err := runner.Status(ctx)
			return err == nil && status.EventsProcessed == 6 && status.EventLag == 0
		}, eventuallyTimeout, eventuallyTick)

		totals, ok = projector.Totals("order-2")
		require.True(t, ok)
		assert.True(t, totals.Paid)

		status, err := runner.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, projection.StateRunning, status.State)
		assert.Empty(t, status.LastError)
	})

	t.Run("is a no-op when already running", func(t *testing.T) {
		store := inmemory.NewEventStore()
		runner := newRunner(newOrchestrator(store, ordertest.NewTotalsProjector()))

		require.NoError(t, runner.Start(ctx))
		defer runner.Stop()

		require.NoError(t, runner.Start(ctx))
		assert.Equal(t, projection.StateRunning, runner.State())
	})

	t.Run("moves to the error state when the initial catch-up fails", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := newFlakyProjector()
		projector.failOn(1, -1)

		runner := newRunner(newOrchestrator(store, projector))

		err := runner.Start(ctx)
		require.Error(t, err)

		var applyErr projection.ApplyError
		assert.ErrorAs(t, err, &applyErr)
		assert.Equal(t, projection.StateError, runner.State())

		status, statusErr := runner.Status(ctx)
		require.NoError(t, statusErr)
		assert.NotEmpty(t, status.LastError)
		assert.False(t, status.LastErrorAt.IsZero())

		// Stop always brings the runner back to stopped.
		runner.Stop()
		assert.Equal(t, projection.StateStopped, runner.State())
	})
}

func TestRunnerStop(t *testing.T) {
	ctx := context.Background()

	t.Run("is a no-op when not running", func(t *testing.T) {
		runner := newRunner(newOrchestrator(inmemory.NewEventStore(), ordertest.NewTotalsProjector()))

		runner.Stop()
		assert.Equal(t, projection.StateStopped, runner.State())
	})

	t.Run("stops the poll loop and allows a later restart", func(t *testing.T) {
		store := inmemory.NewEventStore()
		projector := ordertest.NewTotalsProjector()
		runner := newRunner(newOrchestrator(store, projector))

		require.NoError(t, runner.Start(ctx))
		runner.Stop()
		assert.Equal(t, projection.StateStopped, runner.State())

		// Events appended while stopped are not processed.
		appendOrderFixture(t, store, "order-1")

		status, err := runner.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), status.EventLag)

		// Restarting catches up again.
		require.NoError(t, runner.Start(ctx))
		defer runner.Stop()

		totals, ok := projector.Totals("order-1")
		require.True(t, ok)
		assert.True(t, totals.Paid)
	})
}

func TestRunnerTickErrorTolerance(t *testing.T) {
	ctx := context.Background()

	store := inmemory.NewEventStore()
	projector := newFlakyProjector()
	runner := newRunner(newOrchestrator(store, projector))

	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	// A downstream failure appears after startup: ticks fail, the error
	// is recorded, but the loop keeps polling.
	projector.failOn(1, -1)
	appendOrderFixture(t, store, "order-1")

	assert.Eventually(t, func() bool {
		status, err := runner.Status(ctx)
		return err == nil && status.LastError != "" && status.State == projection.StateRunning
	}, eventuallyTimeout, eventuallyTick)

	// The projection stalls, observable as non-shrinking lag.
	status, err := runner.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.EventLag)

	// Once the cause is fixed, polling drains the backlog with no
	// operator intervention.
	projector.recover(1)

	assert.Eventually(t, func() bool {
		status, err := runner.Status(ctx)
		return err == nil && status.EventLag == 0 && status.EventsProcessed == 3
	}, eventuallyTimeout, eventuallyTick)

	assert.Equal(t, projection.StateRunning, runner.State())
}

func TestRunnerRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("restarts polling after a successful rebuild when previously running", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := ordertest.NewTotalsProjector()
		runner := newRunner(newOrchestrator(store, projector))

		require.NoError(t, runner.Start(ctx))
		defer runner.Stop()

		result := runner.Rebuild(ctx)
		require.True(t, result.Success())
		assert.Equal(t, int64(3), result.EventsProcessed)
		assert.Equal(t, projection.StateRunning, runner.State())

		totals, ok := projector.Totals("order-1")
		require.True(t, ok)
		assert.Equal(t, int64(250), totals.Total)
	})

	t.Run("stays stopped after a rebuild when previously stopped", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		runner := newRunner(newOrchestrator(store, ordertest.NewTotalsProjector()))

		result := runner.Rebuild(ctx)
		require.True(t, result.Success())
		assert.Equal(t, projection.StateStopped, runner.State())
	})

	t.Run("does not restart polling after a failed rebuild", func(t *testing.T) {
		store := inmemory.NewEventStore()
		appendOrderFixture(t, store, "order-1")

		projector := newFlakyProjector()
		runner := newRunner(newOrchestrator(store, projector))

		require.NoError(t, runner.Start(ctx))
		defer runner.Stop()

		projector.failOn(2, -1)

		result := runner.Rebuild(ctx)
		require.False(t, result.Success())
		assert.Equal(t, int64(1), result.EventsProcessed)
		assert.Equal(t, projection.StateStopped, runner.State())

		status, err := runner.Status(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, status.LastError)
	})
}
