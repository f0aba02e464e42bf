// ABOUTME: Token counting with tiktoken for usage estimation and context-window checks
// ABOUTME: Used when a provider does not report usage and by the OpenAI safe-input check

package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens in text.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter selects the encoding for model, falling back to cl100k_base
// for unknown models.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt size of a message list.
func CountMessages(counter TokenCounter, systemPrompt string, msgs []Message) int {
	if counter == nil {
		return 0
	}
	// Per-message framing overhead as documented for chat models
	const perMessage = 4

	total := counter.Count(systemPrompt)
	for _, m := range msgs {
		total += perMessage + counter.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += counter.Count(tc.Name) + counter.Count(string(tc.Arguments))
		}
	}
	return total
}
