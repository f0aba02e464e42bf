// ABOUTME: Provider-neutral types for streaming LLM services
// ABOUTME: Defines the Service interface the router falls back across and the chunk protocol

package llm

import (
	"context"
	"encoding/json"
)

// Message roles understood by services
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt history sent to a service.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSchema describes a tool the model may call.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one generation request. Messages carry the full history;
// services must not truncate it.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
	MaxTokens    int
}

// LastUserInput returns the content of the most recent user message.
func (r *Request) LastUserInput() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Usage is token consumption reported by a provider.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Chunk is one element of a streamed response. Exactly one of the fields is set.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Service is a streaming LLM backend.
//
// GenerateResponseStreaming returns a channel that the service closes when the
// response is complete or ctx is cancelled. A failure after the call returns is
// delivered as a Chunk with Err set, after which the channel is closed.
type Service interface {
	Name() string
	GenerateResponseStreaming(ctx context.Context, req *Request) (<-chan Chunk, error)
	// MaxOutputTokens is the largest completion the service accepts for model.
	MaxOutputTokens(model string) int
	// SafeInputCheck reports whether input may be sent to this service.
	SafeInputCheck(ctx context.Context, input string) (bool, error)
}
