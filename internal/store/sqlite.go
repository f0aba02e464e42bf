// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation state, message, usage and note persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// timeLayout is RFC3339 with fixed-width nanoseconds so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database lives per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			participants_json TEXT NOT NULL,
			config_json       TEXT NOT NULL,
			team_json         TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('in_progress', 'closed'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_id       TEXT,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'sent',
			tool_name       TEXT,
			tool_call_id    TEXT,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('user', 'bot', 'system', 'tool')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS turn_usage (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			turn_id         TEXT NOT NULL,
			message_id      TEXT,
			service         TEXT,
			model           TEXT,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			credits         INTEGER NOT NULL DEFAULT 0,
			tool_calls      INTEGER NOT NULL DEFAULT 0,
			outcome         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turn_usage_conversation ON turn_usage(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_turn_usage_turn ON turn_usage(turn_id);

		CREATE TABLE IF NOT EXISTS conversation_notes (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			key             TEXT NOT NULL,
			value           TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			UNIQUE(conversation_id, key)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "parent_id",
			apply:  `ALTER TABLE messages ADD COLUMN parent_id TEXT`,
		},
		{
			table:  "turn_usage",
			column: "tool_calls",
			apply:  `ALTER TABLE turn_usage ADD COLUMN tool_calls INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversationState inserts a new conversation.
// Returns ErrDuplicateConversation if the ID is already taken.
func (s *SQLiteStore) CreateConversationState(ctx context.Context, state *ConversationState) error {
	participants, config, team, err := encodeState(state)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, status, participants_json, config_json, team_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		state.ID,
		state.Status,
		participants,
		config,
		team,
		state.CreatedAt.UTC().Format(timeLayout),
		state.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", state.ID)
	return nil
}

// LoadConversationState retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) LoadConversationState(ctx context.Context, id string) (*ConversationState, error) {
	var state ConversationState
	var participants, config string
	var team sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, participants_json, config_json, team_json, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(
		&state.ID,
		&state.Status,
		&participants,
		&config,
		&team,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(participants), &state.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &state.Config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if team.Valid && team.String != "" {
		state.Team = &TeamConfig{}
		if err := json.Unmarshal([]byte(team.String), state.Team); err != nil {
			return nil, fmt.Errorf("decoding team: %w", err)
		}
	}

	state.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &state, nil
}

// SaveConversationState writes the full state of a conversation, creating it if needed.
func (s *SQLiteStore) SaveConversationState(ctx context.Context, state *ConversationState) error {
	participants, config, team, err := encodeState(state)
	if err != nil {
		return err
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, status, participants_json, config_json, team_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			participants_json = excluded.participants_json,
			config_json = excluded.config_json,
			team_json = excluded.team_json,
			updated_at = excluded.updated_at
	`,
		state.ID,
		state.Status,
		participants,
		config,
		team,
		createdAt.UTC().Format(timeLayout),
		updatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}

	s.logger.Debug("saved conversation state",
		"id", state.ID,
		"total_credits", state.Config.Stats.TotalCredits,
		"total_tool_calls", state.Config.Stats.TotalToolCalls,
	)
	return nil
}

// encodeState marshals the JSON columns of a conversation row
func encodeState(state *ConversationState) (participants, config string, team any, err error) {
	if state.ID == "" {
		return "", "", nil, fmt.Errorf("conversation id is required")
	}
	if state.Status == "" {
		state.Status = StatusInProgress
	}

	p := state.Participants
	if p == nil {
		p = []Participant{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", nil, fmt.Errorf("encoding participants: %w", err)
	}
	cb, err := json.Marshal(state.Config)
	if err != nil {
		return "", "", nil, fmt.Errorf("encoding config: %w", err)
	}
	if state.Team != nil {
		tb, err := json.Marshal(state.Team)
		if err != nil {
			return "", "", nil, fmt.Errorf("encoding team: %w", err)
		}
		team = string(tb)
	}
	return string(pb), string(cb), team, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
