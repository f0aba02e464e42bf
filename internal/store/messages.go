// ABOUTME: SQLite implementation of the message store
// ABOUTME: Messages are append-only rows ordered by creation time within a conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddMessage saves a message to the database
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	status := msg.Status
	if status == "" {
		status = MessageStatusSent
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, parent_id, role, content, status, tool_name, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		nullString(msg.ParentID),
		msg.Role,
		msg.Content,
		status,
		nullString(msg.ToolName),
		nullString(msg.ToolCallID),
		msg.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	const columns = `id, conversation_id, parent_id, role, content, status, tool_name, tool_call_id, created_at`

	var query string
	var args []any
	if limit > 0 {
		// Get the N most recent messages, then return them oldest first
		query = `
			SELECT ` + columns + ` FROM (
				SELECT ` + columns + ` FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + columns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var parentID, toolName, toolCallID sql.NullString
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &parentID, &msg.Role, &msg.Content, &msg.Status,
			&toolName, &toolCallID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msg.ParentID = parentID.String
		msg.ToolName = toolName.String
		msg.ToolCallID = toolCallID.String

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}
