// ABOUTME: SQLite implementation for conversation-scoped notes
// ABOUTME: Backs the builtin note tools with an upsert-by-key table

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SetNote creates or updates a note.
func (s *SQLiteStore) SetNote(ctx context.Context, note *Note) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	now := time.Now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_notes (id, conversation_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, note.ID, note.ConversationID, note.Key, note.Value,
		note.CreatedAt.UTC().Format(time.RFC3339), note.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving note: %w", err)
	}
	return nil
}

// GetNote retrieves a note by conversation and key.
func (s *SQLiteStore) GetNote(ctx context.Context, conversationID, key string) (*Note, error) {
	var n Note
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, key, value, created_at, updated_at
		FROM conversation_notes WHERE conversation_id = ? AND key = ?
	`, conversationID, key).Scan(&n.ID, &n.ConversationID, &n.Key, &n.Value, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying note: %w", err)
	}

	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &n, nil
}

// ListNotes returns all notes of a conversation ordered by key.
func (s *SQLiteStore) ListNotes(ctx context.Context, conversationID string) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, key, value, created_at, updated_at
		FROM conversation_notes WHERE conversation_id = ? ORDER BY key
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		var n Note
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Key, &n.Value, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		notes = append(notes, &n)
	}

	return notes, rows.Err()
}
