// Package postgres provides an event.Store and a projection.PositionStore
// implementation targeted to PostgreSQL databases, using pgx.
//
// The implementation uses "event_streams", "events" and
// "projection_positions" as its operational tables. Updates to these
// tables are transactional.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-chronicle/go-chronicle/event"
	"github.com/get-chronicle/go-chronicle/message"
	"github.com/get-chronicle/go-chronicle/serde"
	"github.com/get-chronicle/go-chronicle/version"
)

var _ event.Store = EventStore{}

// EventStore is an event.Store implementation backed by PostgreSQL.
//
// Global Sequence Numbers are assigned by the "events" table identity
// column, the storage engine's native atomic-increment primitive, within
// the same transaction that inserts the events.
type EventStore struct {
	Conn  *pgxpool.Pool
	Serde serde.Bytes[message.Message]
}

const selectEventsColumns = `s.stream_type, s.stream_name, e.event_id, e.version, e.global_sequence,
	e.schema_version, e.payload, e.metadata, e.occurred_at, e.causation_id, e.correlation_id`

// Append implements the event.Appender interface.
//
// The whole append runs in a single transaction: the stream row is
// upserted under an exclusive row lock, so concurrent appenders to the
// same stream serialize, while appends to different streams proceed in
// parallel. Either all the events are committed, or none is.
func (es EventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	events ...event.Envelope,
) (version.Version, error) {
	if err := event.ValidateAppend(id, events); err != nil {
		return 0, err
	}

	tx, err := es.Conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, event.StorageError{Err: fmt.Errorf("postgres.EventStore: failed to open transaction, %w", err)}
	}

	defer func() {
		// No effect if the transaction has been committed.
		_ = tx.Rollback(ctx)
	}()

	// The DO UPDATE arm takes the stream row lock even when the row
	// already exists, returning the current version either way.
	row := tx.QueryRow(
		ctx,
		`INSERT INTO event_streams (id, stream_type, stream_name, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (stream_type, stream_name)
		DO UPDATE SET version = event_streams.version
		RETURNING id, version`,
		uuid.New(), id.Type, id.Name,
	)

	var (
		streamID       uuid.UUID
		currentVersion version.Version
	)

	if err := row.Scan(&streamID, &currentVersion); err != nil {
		return 0, event.StorageError{Err: fmt.Errorf("postgres.EventStore: failed to upsert event stream, %w", err)}
	}

	if v, ok := expected.(version.CheckExact); ok && currentVersion != version.Version(v) {
		return 0, fmt.Errorf("postgres.EventStore: stream version check failed, %w", version.ConflictError{
			Expected: version.Version(v),
			Actual:   currentVersion,
		})
	}

	newVersion := currentVersion + version.Version(len(events))

	batch := new(pgx.Batch)

	for i, evt := range events {
		if err := es.queueInsertEvent(batch, streamID, currentVersion+version.Version(i)+1, evt); err != nil {
			return 0, err
		}
	}

	batch.Queue(`UPDATE event_streams SET version = $1 WHERE id = $2`, newVersion, streamID)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, event.StorageError{Err: fmt.Errorf("postgres.EventStore: failed to insert events, %w", err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, event.StorageError{Err: fmt.Errorf("postgres.EventStore: failed to commit transaction, %w", err)}
	}

	return newVersion, nil
}

func (es EventStore) queueInsertEvent(
	batch *pgx.Batch,
	streamID uuid.UUID,
	eventVersion version.Version,
	evt event.Envelope,
) error {
	payload, err := es.Serde.Serialize(evt.Message)
	if err != nil {
		return fmt.Errorf("postgres.EventStore: failed to serialize event payload, %w", err)
	}

	metadata, err := marshalMetadata(evt.Metadata)
	if err != nil {
		return err
	}

	eventID := evt.ID
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}

	schemaVersion := evt.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	occurredAt := evt.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	batch.Queue(
		`INSERT INTO events
		(event_id, stream_id, version, "type", schema_version, payload, metadata, occurred_at, causation_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		eventID, streamID, eventVersion, evt.Message.Name(), int32(schemaVersion),
		payload, metadata, occurredAt, nullableUUID(evt.CausationID), nullableUUID(evt.CorrelationID),
	)

	return nil
}

// Stream implements the event.Streamer interface.
func (es EventStore) Stream(
	ctx context.Context,
	stream event.StreamWrite,
	id event.StreamID,
	selector version.Selector,
) error {
	defer close(stream)

	rows, err := es.Conn.Query(
		ctx,
		`SELECT `+selectEventsColumns+`
		FROM events e
		JOIN event_streams s ON s.id = e.stream_id
		WHERE s.stream_type = $1 AND s.stream_name = $2 AND e.version >= $3
		ORDER BY e.version`,
		id.Type, id.Name, selector.From,
	)
	if err != nil {
		return fmt.Errorf("postgres.EventStore: failed to query events table, %w", err)
	}

	defer rows.Close()

	for rows.Next() {
		evt, err := es.scanEvent(rows)
		if err != nil {
			return err
		}

		select {
		case stream <- evt:
		case <-ctx.Done():
			return fmt.Errorf("postgres.EventStore: context canceled while streaming, %w", ctx.Err())
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres.EventStore: failed to iterate over events, %w", err)
	}

	return nil
}

// EventsAfter implements the event.Querier interface.
func (es EventStore) EventsAfter(
	ctx context.Context,
	after version.SequenceNumber,
	limit int,
) ([]event.Persisted, error) {
	rows, err := es.Conn.Query(
		ctx,
		`SELECT `+selectEventsColumns+`
		FROM events e
		JOIN event_streams s ON s.id = e.stream_id
		WHERE e.global_sequence > $1
		ORDER BY e.global_sequence
		LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to query events table, %w", err)
	}

	defer rows.Close()

	var events []event.Persisted

	for rows.Next() {
		evt, err := es.scanEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to iterate over events, %w", err)
	}

	return events, nil
}

// LatestSequence implements the event.Querier interface.
func (es EventStore) LatestSequence(ctx context.Context) (version.SequenceNumber, error) {
	row := es.Conn.QueryRow(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`)

	var latest version.SequenceNumber
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to read latest sequence number, %w", err)
	}

	return latest, nil
}

// CountAfter implements the event.Querier interface.
//
// The count is backed by the primary key index on global_sequence and
// does not materialize the events.
func (es EventStore) CountAfter(ctx context.Context, after version.SequenceNumber) (int64, error) {
	row := es.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE global_sequence > $1`, after)

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to count events, %w", err)
	}

	return count, nil
}

func (es EventStore) scanEvent(rows pgx.Rows) (event.Persisted, error) {
	var (
		evt           event.Persisted
		schemaVersion int32
		payload       []byte
		rawMetadata   []byte
		causationID   uuid.NullUUID
		correlationID uuid.NullUUID
	)

	if err := rows.Scan(
		&evt.Stream.Type, &evt.Stream.Name, &evt.ID, &evt.Version, &evt.SequenceNumber,
		&schemaVersion, &payload, &rawMetadata, &evt.OccurredAt, &causationID, &correlationID,
	); err != nil {
		return event.Persisted{}, fmt.Errorf("postgres.EventStore: failed to scan next row, %w", err)
	}

	msg, err := es.Serde.Deserialize(payload)
	if err != nil {
		return event.Persisted{}, fmt.Errorf("postgres.EventStore: failed to deserialize event payload, %w", err)
	}

	evt.Message = msg
	evt.SchemaVersion = uint32(schemaVersion)
	evt.CausationID = causationID.UUID
	evt.CorrelationID = correlationID.UUID

	if rawMetadata != nil {
		if err := json.Unmarshal(rawMetadata, &evt.Metadata); err != nil {
			return event.Persisted{}, fmt.Errorf("postgres.EventStore: failed to deserialize metadata, %w", err)
		}
	}

	return evt, nil
}

func marshalMetadata(metadata message.Metadata) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to marshal metadata, %w", err)
	}

	return data, nil
}

func nullableUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
