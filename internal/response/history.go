// ABOUTME: Converts stored conversation messages into the prompt history sent to services
// ABOUTME: Orders by creation time and pairs persisted tool calls with their results

package response

import (
	"encoding/json"
	"sort"

	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/store"
)

// buildHistory orders msgs by CreatedAt, keeping input order for equal times, and
// maps them to llm messages. A bot message with a ToolCallID is a persisted tool
// call and is folded into the assistant message before it. Failed and
// in-progress edits are skipped.
func buildHistory(msgs []store.Message) []llm.Message {
	sorted := make([]store.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]llm.Message, 0, len(sorted))
	for _, m := range sorted {
		if m.Status == store.MessageStatusFailed || m.Status == store.MessageStatusEditing {
			continue
		}
		switch m.Role {
		case store.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case store.RoleSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.Content})
		case store.RoleTool:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})
		case store.RoleBot:
			if m.ToolCallID == "" {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
				continue
			}
			call := llm.ToolCall{ID: m.ToolCallID, Name: m.ToolName, Arguments: json.RawMessage(m.Content)}
			if n := len(out); n > 0 && out[n-1].Role == llm.RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})
		}
	}
	return pruneDanglingToolCalls(out)
}

// pruneDanglingToolCalls drops tool calls that never got a result, such as a
// call whose approval was abandoned, and tool results with no matching call.
// Providers reject either.
func pruneDanglingToolCalls(msgs []llm.Message) []llm.Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	called := make(map[string]bool)
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleTool && !called[m.ToolCallID] {
			continue
		}
		if len(m.ToolCalls) > 0 {
			var kept []llm.ToolCall
			for _, c := range m.ToolCalls {
				if answered[c.ID] {
					kept = append(kept, c)
					called[c.ID] = true
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && m.Content == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
