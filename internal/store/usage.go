// ABOUTME: SQLite implementation for per-turn usage tracking
// ABOUTME: Stores token and credit consumption of response turns for analytics

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveUsage stores a turn usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TurnUsage) error {
	query := `
		INSERT INTO turn_usage (
			id, conversation_id, turn_id, message_id, service, model,
			input_tokens, output_tokens, credits, tool_calls, outcome,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.ConversationID,
		usage.TurnID,
		nullString(usage.MessageID),
		nullString(usage.Service),
		nullString(usage.Model),
		usage.InputTokens,
		usage.OutputTokens,
		usage.Credits,
		usage.ToolCalls,
		usage.Outcome,
		usage.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved turn usage",
		"id", usage.ID,
		"conversation_id", usage.ConversationID,
		"turn_id", usage.TurnID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"credits", usage.Credits,
	)
	return nil
}

// LinkUsageToMessage updates a usage record with the bot message the turn produced.
func (s *SQLiteStore) LinkUsageToMessage(ctx context.Context, turnID, messageID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE turn_usage SET message_id = ? WHERE turn_id = ?`, messageID, turnID)
	if err != nil {
		return fmt.Errorf("linking usage to message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("linked usage to message",
		"turn_id", turnID,
		"message_id", messageID,
		"rows_affected", rowsAffected,
	)
	return nil
}

// GetConversationUsage retrieves all usage records for a conversation.
func (s *SQLiteStore) GetConversationUsage(ctx context.Context, conversationID string) ([]*TurnUsage, error) {
	query := `
		SELECT id, conversation_id, turn_id, message_id, service, model,
		       input_tokens, output_tokens, credits, tool_calls, outcome,
		       created_at
		FROM turn_usage
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TurnUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(credits), 0),
			COALESCE(SUM(tool_calls), 0),
			COUNT(*)
		FROM turn_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(timeLayout))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalCredits,
		&stats.TotalTools,
		&stats.TurnCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	return &stats, nil
}

// scanUsage scans a single usage row into a TurnUsage struct.
func scanUsage(rows *sql.Rows) (*TurnUsage, error) {
	var usage TurnUsage
	var messageID, service, model sql.NullString
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.ConversationID,
		&usage.TurnID,
		&messageID,
		&service,
		&model,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.Credits,
		&usage.ToolCalls,
		&usage.Outcome,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	usage.MessageID = messageID.String
	usage.Service = service.String
	usage.Model = model.String

	usage.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}
