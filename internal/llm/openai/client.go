// ABOUTME: OpenAI-compatible streaming chat completions adapter implementing llm.Service
// ABOUTME: Parses SSE data lines, accumulates tool-call deltas by index and reports usage

package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-turns/internal/llm"
)

// DefaultMaxOutputTokens is used when Config.MaxOutputTokens is unset.
const DefaultMaxOutputTokens = 4096

// Config configures one OpenAI-compatible endpoint (OpenAI, Ollama, vLLM, LiteLLM).
type Config struct {
	Name            string
	BaseURL         string
	APIKey          string
	Model           string // used when the request names no model
	MaxOutputTokens int
	// ContextWindow bounds the input accepted by SafeInputCheck; zero disables the check.
	ContextWindow int
	Timeout       time.Duration
}

// Client implements llm.Service for OpenAI-compatible APIs.
type Client struct {
	config     Config
	counter    llm.TokenCounter
	httpClient *http.Client
	logger     *slog.Logger
}

var _ llm.Service = (*Client)(nil)

// New creates a new OpenAI-compatible client. counter may be nil, which disables
// the context-window check.
func New(cfg Config, counter llm.TokenCounter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config:     cfg,
		counter:    counter,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "llm", "service", cfg.Name),
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []requestTool    `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type requestTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// streamChunk is one SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Name returns the configured service name.
func (c *Client) Name() string {
	return c.config.Name
}

// MaxOutputTokens returns the configured completion limit.
func (c *Client) MaxOutputTokens(model string) int {
	return c.config.MaxOutputTokens
}

// SafeInputCheck rejects input that cannot fit the configured context window.
func (c *Client) SafeInputCheck(ctx context.Context, input string) (bool, error) {
	if c.counter == nil || c.config.ContextWindow <= 0 {
		return true, nil
	}
	tokens := c.counter.Count(input)
	if tokens > c.config.ContextWindow {
		c.logger.Warn("input exceeds context window", "tokens", tokens, "window", c.config.ContextWindow)
		return false, nil
	}
	return true, nil
}

// GenerateResponseStreaming starts a streaming completion. HTTP failures are
// returned synchronously as *llm.ProviderError.
func (c *Client) GenerateResponseStreaming(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", c.config.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, llm.NewProviderError(c.config.Name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ch := make(chan llm.Chunk)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) buildRequest(req *llm.Request) chatRequest {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	msgs := make([]requestMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, requestMessage{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		rm := requestMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			rm.ToolCalls = append(rm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, rm)
	}

	out := chatRequest{
		Model:         model,
		Messages:      msgs,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, requestTool{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// pendingCall accumulates one tool call across deltas.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.Chunk) {
	defer close(ch)
	defer body.Close()

	send := func(chunk llm.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int]*pendingCall)
	var order []int

	flushCalls := func() bool {
		for _, idx := range order {
			pc := calls[idx]
			args := pc.args.String()
			if args == "" {
				args = "{}"
			}
			if !send(llm.Chunk{ToolCall: &llm.ToolCall{ID: pc.id, Name: pc.name, Arguments: json.RawMessage(args)}}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		order = nil
		return true
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// A stream is complete once it sent [DONE] or a finish_reason
	var done, finished bool

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			done = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			if !send(llm.Chunk{Usage: &llm.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}}) {
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !send(llm.Chunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &pendingCall{}
				calls[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finished = true
			if !flushCalls() {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() == nil {
			send(llm.Chunk{Err: fmt.Errorf("reading stream from %s: %w", c.config.Name, err)})
		}
		return
	}

	if !done && !finished {
		if ctx.Err() == nil {
			send(llm.Chunk{Err: &llm.ProviderError{
				Service:   c.config.Name,
				Message:   "stream ended before completion",
				Retryable: true,
			}})
		}
		return
	}

	// Some servers end the stream without a finish_reason
	flushCalls()
}
