package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractions so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB is the single relational store shared by the event log, the read model,
// the approval table and the conversation index.
type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer; serializing through one connection avoids
	// SQLITE_BUSY under the persistence worker pool.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	// message_events has no unique constraint on (conversation_id,
	// sequence_number): the non-atomic allocator fallback can hand out the
	// same number twice and both rows must be kept.
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		key         TEXT NOT NULL UNIQUE,
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_events (
		id               TEXT PRIMARY KEY,
		conversation_id  TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		sequence_number  INTEGER NOT NULL,
		timestamp        TEXT NOT NULL,
		data             TEXT NOT NULL,
		processed        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_conv_seq ON message_events(conversation_id, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_events_unprocessed ON message_events(processed, timestamp);

	CREATE TABLE IF NOT EXISTS messages (
		id               TEXT PRIMARY KEY,
		conversation_id  TEXT NOT NULL,
		role             TEXT NOT NULL,
		message_type     TEXT NOT NULL,
		content          TEXT NOT NULL,
		metadata         TEXT,
		sequence_number  INTEGER NOT NULL,
		event_id         TEXT NOT NULL,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conversation_id, sequence_number);

	CREATE TABLE IF NOT EXISTS approvals (
		id               TEXT PRIMARY KEY,
		conversation_id  TEXT NOT NULL,
		tool_name        TEXT NOT NULL,
		tool_args        TEXT,
		status           TEXT NOT NULL DEFAULT 'pending',
		priority         TEXT NOT NULL DEFAULT 'normal',
		created_at       TEXT NOT NULL,
		expires_at       TEXT NOT NULL,
		decided_at       TEXT,
		decided_by       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
