// ABOUTME: Event types emitted while a response turn streams
// ABOUTME: A Turn carries the event channel and reports its terminal error once drained

package response

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/store"
)

// EventType names one kind of turn event.
type EventType string

const (
	EventText                EventType = "text"
	EventToolCall            EventType = "tool_call"
	EventToolApprovalRequest EventType = "tool_approval_request"
	EventToolResult          EventType = "tool_result"
	EventToolError           EventType = "tool_error"
	EventDone                EventType = "done"
	EventError               EventType = "error"
	EventAborted             EventType = "aborted"
)

// Terminal reports whether t ends a turn's event stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError || t == EventAborted
}

// TurnStats is the consumption of one turn stream.
type TurnStats struct {
	Service      string `json:"service,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Credits      int64  `json:"credits"`
	ToolCalls    int64  `json:"toolCalls"`
}

func (s TurnStats) delta() store.Stats {
	return store.Stats{
		TotalToolCalls:    s.ToolCalls,
		TotalCredits:      s.Credits,
		TotalInputTokens:  s.InputTokens,
		TotalOutputTokens: s.OutputTokens,
	}
}

// Event is one element of a turn's stream.
type Event struct {
	Type     EventType       `json:"type"`
	TurnID   string          `json:"turnId"`
	Text     string          `json:"text,omitempty"`
	ToolCall *llm.ToolCall   `json:"toolCall,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`

	// Set on done only: the turn is parked waiting for a tool approval.
	Suspended bool `json:"suspended,omitempty"`

	// Set on terminal events.
	Stats *TurnStats `json:"stats,omitempty"`

	Err error `json:"-"`
}

// Turn is a running response. Events is closed after exactly one terminal event.
type Turn struct {
	ID             string
	ConversationID string
	Events         <-chan *Event

	events chan *Event
	done   chan struct{}
	err    error
}

func newTurn(id, conversationID string, buffer int) *Turn {
	ch := make(chan *Event, buffer)
	return &Turn{
		ID:             id,
		ConversationID: conversationID,
		Events:         ch,
		events:         ch,
		done:           make(chan struct{}),
	}
}

// Err blocks until the turn has finished. It returns nil after done, the
// context error after aborted, and the failure after error. Drain Events
// before calling it.
func (t *Turn) Err() error {
	<-t.done
	return t.err
}

// emit sends ev unless ctx is cancelled. It reports whether ev was delivered.
func (t *Turn) emit(ctx context.Context, ev *Event) bool {
	if ctx.Err() != nil {
		return false
	}
	ev.TurnID = t.ID
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish sends the terminal event regardless of ctx and closes the stream.
func (t *Turn) finish(ev *Event, err error) {
	ev.TurnID = t.ID
	t.err = err
	t.events <- ev
	close(t.done)
	close(t.events)
}
