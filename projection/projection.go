// Package projection implements the read-model side of the Event Store:
// pluggable Projectors applied over the global event order by an
// Orchestrator, wrapped by a long-lived polling Runner.
//
// Delivery semantics are at-least-once, in ascending global order, with
// resumable positions. Exactly-once is never guaranteed: Projector
// implementations are responsible for idempotency (see Projector).
package projection

import (
	"context"

	"github.com/get-chronicle/go-chronicle/event"
)

// Projector applies Domain Events to a single read model.
//
// Implementations must be idempotent under event redelivery: before
// mutating a read-model entity, compare the entity's recorded version or
// sequence to the incoming event's Version/SequenceNumber, and treat
// Apply as a no-op success when the entity is already at or beyond that
// point. This is the sole defense against duplicate delivery, since the
// Orchestrator only guarantees at-least-once, ordered delivery.
type Projector interface {
	// Apply projects a single Domain Event onto the read model.
	Apply(ctx context.Context, evt event.Persisted) error

	// Reset clears the read model back to its empty state, in
	// preparation for a full rebuild.
	Reset(ctx context.Context) error

	// CurrentPosition reports the position the read model itself has
	// reached. It is used as a recovery hint after a process restart,
	// when the Position Store has no record for the projection.
	CurrentPosition(ctx context.Context) (Position, error)
}
