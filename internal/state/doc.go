// Package state provides SQLite-backed storage implementations.
package state

import "github.com/user/turnlog/internal/types"

// Compile-time interface compliance checks.
var _ types.ConversationStore = (*ConversationStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.MessageStore = (*MessageStore)(nil)
var _ types.ApprovalStore = (*ApprovalStore)(nil)
