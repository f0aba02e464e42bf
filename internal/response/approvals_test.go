// ABOUTME: Tests for the pending approval table
// ABOUTME: Entries are taken once and expire after the TTL

package response

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-turns/internal/llm"
)

func parked(conv, callID string) *parkedTurn {
	return &parkedTurn{
		state: &turnState{conversationID: conv},
		call:  llm.ToolCall{ID: callID, Name: "note_set"},
	}
}

func TestApprovalTable_TakeOnce(t *testing.T) {
	a := newApprovalTable(time.Minute)
	a.park(parked("c1", "t1"))
	a.park(parked("c2", "t1"))

	assert.Len(t, a.pending("c1"), 1)

	p, ok := a.take("c1", "t1")
	require.True(t, ok)
	assert.Equal(t, "c1", p.state.conversationID)

	_, ok = a.take("c1", "t1")
	assert.False(t, ok)

	_, ok = a.take("c2", "t1")
	assert.True(t, ok, "same call id in another conversation is separate")
}

func TestApprovalTable_Expiry(t *testing.T) {
	now := time.Now()
	a := newApprovalTable(time.Minute)
	a.now = func() time.Time { return now }

	a.park(parked("c1", "t1"))
	a.park(parked("c1", "t2"))

	now = now.Add(2 * time.Minute)
	assert.Empty(t, a.pending("c1"))

	_, ok := a.take("c1", "t2")
	assert.False(t, ok)
}
