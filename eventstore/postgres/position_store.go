package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-chronicle/go-chronicle/projection"
)

var _ projection.PositionStore = PositionStore{}

// PositionStore is a projection.PositionStore implementation using
// PostgreSQL as a storage backend.
type PositionStore struct {
	Conn *pgxpool.Pool
}

// Read implements the projection.PositionStore interface.
func (ps PositionStore) Read(ctx context.Context, projectionName string) (projection.Position, error) {
	row := ps.Conn.QueryRow(
		ctx,
		`SELECT last_event_id, last_global_sequence, events_processed, last_processed_at
		FROM projection_positions
		WHERE projection_name = $1`,
		projectionName,
	)

	position := projection.Position{ProjectionName: projectionName}

	var lastEventID uuid.NullUUID

	err := row.Scan(&lastEventID, &position.LastSequence, &position.EventsProcessed, &position.LastProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return position, nil
	}

	if err != nil {
		return projection.Position{}, fmt.Errorf("postgres.PositionStore: failed to read position, %w", err)
	}

	position.LastEventID = lastEventID.UUID

	return position, nil
}

// Write implements the projection.PositionStore interface.
func (ps PositionStore) Write(ctx context.Context, position projection.Position) error {
	if _, err := ps.Conn.Exec(
		ctx,
		`INSERT INTO projection_positions
		(projection_name, last_event_id, last_global_sequence, events_processed, last_processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (projection_name) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_global_sequence = excluded.last_global_sequence,
			events_processed = excluded.events_processed,
			last_processed_at = excluded.last_processed_at`,
		position.ProjectionName, nullableUUID(position.LastEventID),
		position.LastSequence, position.EventsProcessed, position.LastProcessedAt,
	); err != nil {
		return fmt.Errorf("postgres.PositionStore: failed to write position, %w", err)
	}

	return nil
}

// Delete implements the projection.PositionStore interface.
func (ps PositionStore) Delete(ctx context.Context, projectionName string) error {
	if _, err := ps.Conn.Exec(
		ctx,
		`DELETE FROM projection_positions WHERE projection_name = $1`,
		projectionName,
	); err != nil {
		return fmt.Errorf("postgres.PositionStore: failed to delete position, %w", err)
	}

	return nil
}
