package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/turnlog/internal/types"
)

// ConversationStore maps external conversation keys to conversation ids.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a ConversationStore on the shared database.
func NewConversationStore(d *DB) *ConversationStore {
	return &ConversationStore{db: d.db}
}

// ResolveOrCreate returns the ConversationID for the given key, creating a
// new conversation if needed.
func (s *ConversationStore) ResolveOrCreate(ctx context.Context, key types.ConversationKey) (types.ConversationID, error) {
	now := formatTime(time.Now())
	id := types.NewConversationID()

	// INSERT OR IGNORE keeps concurrent resolvers of the same key on one row.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, key, status, created_at, updated_at)
		 VALUES (?, ?, 'active', ?, ?)`, string(id), string(key), now, now); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}

	var existing string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE key = ?`, string(key)).Scan(&existing); err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	return types.ConversationID(existing), nil
}

// Get returns the conversation with the given ID.
func (s *ConversationStore) Get(ctx context.Context, id types.ConversationID) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, status, created_at, updated_at FROM conversations WHERE id = ?`, string(id))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// List returns all conversations, most recently updated first.
func (s *ConversationStore) List(ctx context.Context) ([]*types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, status, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*types.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Touch bumps the conversation's updated_at.
func (s *ConversationStore) Touch(ctx context.Context, id types.ConversationID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), string(id))
	return err
}

// Purge bulk-deletes every row belonging to the conversation. This is a
// storage operation, not an event: the log itself never deletes.
func (s *ConversationStore) Purge(ctx context.Context, id types.ConversationID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM message_events WHERE conversation_id = ?`,
		`DELETE FROM approvals WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, string(id)); err != nil {
			return fmt.Errorf("purge conversation: %w", err)
		}
	}
	return tx.Commit()
}

func scanConversation(row scanner) (*types.Conversation, error) {
	var c types.Conversation
	var id, key, createdAt, updatedAt string
	if err := row.Scan(&id, &key, &c.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ID = types.ConversationID(id)
	c.Key = types.ConversationKey(key)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
