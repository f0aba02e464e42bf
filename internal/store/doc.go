// Package store provides durable storage for coven-turns using SQLite.
//
// # Architecture
//
// The store package is split into narrow interfaces so callers depend only on
// what they use:
//
//   - StateStore: conversation state, the durable tier behind the state cache
//   - MessageStore: append-only conversation messages
//   - UsageStore: per-turn token and credit accounting
//   - NoteStore: key-value notes backing the builtin note tools
//
// SQLiteStore implements all of them in a single struct.
//
// # Data Models
//
//   - ConversationState: participants, status, config (including cumulative
//     Stats) and optional TeamConfig
//   - Message: user, bot, system or tool message within a conversation
//   - TurnUsage: consumption of one response turn
//   - Note: conversation-scoped key-value note
//
// Participants, config and team are stored as JSON columns on the
// conversations row; the row is always written whole.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: conversation ID already taken
//
// # Testing
//
// Use NewMockStore() for unit tests. It supports error injection for the
// state operations so callers can exercise their failure paths:
//
//	s := store.NewMockStore()
//	s.SetSaveError(errors.New("disk full"))
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
