package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/turnlog/internal/types"
)

// EventStore is the append-only message_events table.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore on the shared database.
func NewEventStore(d *DB) *EventStore {
	return &EventStore{db: d.db}
}

// Insert writes an event that already carries its sequence number.
func (e *EventStore) Insert(ctx context.Context, event *types.Event) error {
	if event.Seq <= 0 {
		return fmt.Errorf("insert event: sequence number not assigned")
	}
	if !event.Type.Valid() {
		return fmt.Errorf("insert event: invalid type %q", event.Type)
	}
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO message_events (id, conversation_id, event_type, sequence_number, timestamp, data, processed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(event.ID), string(event.ConversationID), string(event.Type), event.Seq,
		formatTime(event.At), string(event.Payload), boolToInt(event.Processed))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns events with from <= seq <= to in ascending sequence order.
// Ties left by the allocator fallback are broken by event id.
func (e *EventStore) List(ctx context.Context, id types.ConversationID, from, to int64) ([]*types.Event, error) {
	query := `SELECT id, conversation_id, event_type, sequence_number, timestamp, data, processed
		FROM message_events WHERE conversation_id = ? AND sequence_number >= ?`
	args := []any{string(id), from}
	if to > 0 {
		query += ` AND sequence_number <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence_number ASC, id ASC`

	return e.query(ctx, query, args...)
}

// MaxSequence returns the highest stored sequence number, or 0.
func (e *EventStore) MaxSequence(ctx context.Context, id types.ConversationID) (int64, error) {
	var maxSeq sql.NullInt64
	if err := e.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM message_events WHERE conversation_id = ?`,
		string(id)).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return maxSeq.Int64, nil
}

// MarkProcessed flags an event as materialized. Repeated calls are no-ops.
func (e *EventStore) MarkProcessed(ctx context.Context, id types.EventID) error {
	if _, err := e.db.ExecContext(ctx,
		`UPDATE message_events SET processed = 1 WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Unprocessed returns events older than the cutoff that were never
// materialized, oldest first.
func (e *EventStore) Unprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.query(ctx,
		`SELECT id, conversation_id, event_type, sequence_number, timestamp, data, processed
		 FROM message_events WHERE processed = 0 AND timestamp < ?
		 ORDER BY timestamp ASC LIMIT ?`, formatTime(olderThan), limit)
}

// Count returns the number of events for the given conversation.
func (e *EventStore) Count(ctx context.Context, id types.ConversationID) (int64, error) {
	var n int64
	if err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_events WHERE conversation_id = ?`, string(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (e *EventStore) query(ctx context.Context, query string, args ...any) ([]*types.Event, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(row scanner) (*types.Event, error) {
	var ev types.Event
	var id, convID, typ, at, data string
	var processed int
	if err := row.Scan(&id, &convID, &typ, &ev.Seq, &at, &data, &processed); err != nil {
		return nil, err
	}
	ev.ID = types.EventID(id)
	ev.ConversationID = types.ConversationID(convID)
	ev.Type = types.EventType(typ)
	ev.At = parseTime(at)
	ev.Payload = []byte(data)
	ev.Processed = processed != 0
	return &ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
