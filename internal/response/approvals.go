// ABOUTME: Table of turns parked while a tool call waits for a human decision
// ABOUTME: Entries are keyed by conversation and tool call id and expire after a TTL

package response

import (
	"sync"
	"time"

	"github.com/2389/coven-turns/internal/llm"
)

// parkedTurn is everything needed to continue a suspended turn.
type parkedTurn struct {
	state     *turnState
	call      llm.ToolCall
	remaining []llm.ToolCall
	expires   time.Time
}

type approvalTable struct {
	mu      sync.Mutex
	entries map[string]*parkedTurn
	ttl     time.Duration
	now     func() time.Time
}

func newApprovalTable(ttl time.Duration) *approvalTable {
	return &approvalTable{
		entries: make(map[string]*parkedTurn),
		ttl:     ttl,
		now:     time.Now,
	}
}

func approvalKey(conversationID, toolCallID string) string {
	return conversationID + "\x00" + toolCallID
}

func (a *approvalTable) park(p *parkedTurn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()
	p.expires = a.now().Add(a.ttl)
	a.entries[approvalKey(p.state.conversationID, p.call.ID)] = p
}

// take removes and returns the parked turn, if it exists and has not expired.
func (a *approvalTable) take(conversationID, toolCallID string) (*parkedTurn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := approvalKey(conversationID, toolCallID)
	p, ok := a.entries[key]
	if !ok {
		return nil, false
	}
	delete(a.entries, key)
	if a.now().After(p.expires) {
		return nil, false
	}
	return p, true
}

// pending lists the tool calls waiting for a decision in a conversation.
func (a *approvalTable) pending(conversationID string) []llm.ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()
	var out []llm.ToolCall
	for _, p := range a.entries {
		if p.state.conversationID == conversationID {
			out = append(out, p.call)
		}
	}
	return out
}

func (a *approvalTable) pruneLocked() {
	now := a.now()
	for key, p := range a.entries {
		if now.After(p.expires) {
			delete(a.entries, key)
		}
	}
}
