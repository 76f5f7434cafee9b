package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/turnlog/internal/types"
)

// MessageStore is the query-optimized read model built from the event log.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a MessageStore on the shared database.
func NewMessageStore(d *DB) *MessageStore {
	return &MessageStore{db: d.db}
}

// Upsert writes msg, replacing any row with the same id.
func (s *MessageStore) Upsert(ctx context.Context, msg *types.Message) error {
	var meta *string
	if len(msg.Metadata) > 0 {
		m := string(msg.Metadata)
		meta = &m
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, message_type, content, metadata, sequence_number, event_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			message_type = excluded.message_type,
			content = excluded.content,
			metadata = excluded.metadata,
			sequence_number = excluded.sequence_number`,
		string(msg.ID), string(msg.ConversationID), msg.Role, msg.MessageType, msg.Content,
		meta, msg.Seq, string(msg.EventID), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// List returns the conversation's messages in sequence order.
func (s *MessageStore) List(ctx context.Context, id types.ConversationID) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, message_type, content, metadata, sequence_number, event_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY sequence_number ASC, event_id ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var m types.Message
		var id, convID, eventID, createdAt string
		var meta sql.NullString
		if err := rows.Scan(&id, &convID, &m.Role, &m.MessageType, &m.Content, &meta, &m.Seq, &eventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = types.MessageID(id)
		m.ConversationID = types.ConversationID(convID)
		m.EventID = types.EventID(eventID)
		m.CreatedAt = parseTime(createdAt)
		if meta.Valid {
			m.Metadata = []byte(meta.String)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
