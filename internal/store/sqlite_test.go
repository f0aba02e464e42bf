// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation state round trips, message ordering, usage stats and notes

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestState(id string) *ConversationState {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &ConversationState{
		ID: id,
		Participants: []Participant{
			{ID: "user-1", Name: "Ada", Kind: ParticipantHuman},
			{ID: "bot-1", Name: "Helper", Kind: ParticipantBot},
		},
		Status: StatusInProgress,
		Config: ConversationConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 1024,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_ReopenRunsMigrationsIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestConversationState_CreateAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := newTestState("conv-1")
	state.Team = &TeamConfig{TeamID: "team-9", Members: []string{"user-1"}, Settings: map[string]string{"tone": "dry"}}
	require.NoError(t, s.CreateConversationState(ctx, state))

	got, err := s.LoadConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, state.ID, got.ID)
	assert.Equal(t, state.Participants, got.Participants)
	assert.Equal(t, state.Config, got.Config)
	assert.Equal(t, state.Team, got.Team)
	assert.True(t, state.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.Bot())
	assert.Equal(t, "bot-1", got.Bot().ID)
}

func TestConversationState_CreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversationState(ctx, newTestState("conv-1")))
	err := s.CreateConversationState(ctx, newTestState("conv-1"))
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestConversationState_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadConversationState(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationState_SaveOverwritesAndUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := newTestState("conv-1")
	require.NoError(t, s.CreateConversationState(ctx, state))

	state.Config.Stats = Stats{TotalToolCalls: 2, TotalCredits: 90}
	state.Team = nil
	require.NoError(t, s.SaveConversationState(ctx, state))

	got, err := s.LoadConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.Config.Stats.TotalCredits)
	assert.Equal(t, int64(2), got.Config.Stats.TotalToolCalls)
	assert.Nil(t, got.Team)

	// Save creates rows that were never created explicitly
	require.NoError(t, s.SaveConversationState(ctx, newTestState("conv-2")))
	_, err = s.LoadConversationState(ctx, "conv-2")
	assert.NoError(t, err)
}

func TestMessages_OrderingAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversationState(ctx, newTestState("conv-1")))

	base := time.Now().UTC()
	for i, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AddMessage(ctx, &Message{
			ID:             "msg-" + content,
			ConversationID: "conv-1",
			Role:           RoleUser,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	all, err := s.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "one", all[0].Content)
	assert.Equal(t, MessageStatusSent, all[0].Status)

	recent, err := s.ListMessages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Content)
	assert.Equal(t, "four", recent[1].Content)
}

func TestMessages_WholeSecondSortsBeforeFraction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversationState(ctx, newTestState("conv-1")))

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddMessage(ctx, &Message{ID: "later", ConversationID: "conv-1", Role: RoleBot, Content: "later", CreatedAt: base.Add(100 * time.Millisecond)}))
	require.NoError(t, s.AddMessage(ctx, &Message{ID: "first", ConversationID: "conv-1", Role: RoleUser, Content: "first", CreatedAt: base}))

	msgs, err := s.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].ID)
	assert.True(t, msgs[0].CreatedAt.Equal(base))
}

func TestMessages_ToolFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversationState(ctx, newTestState("conv-1")))

	require.NoError(t, s.AddMessage(ctx, &Message{
		ID:             "msg-tool",
		ConversationID: "conv-1",
		Role:           RoleTool,
		Content:        `{"ok":true}`,
		ToolName:       "note_set",
		ToolCallID:     "call-1",
	}))

	msgs, err := s.ListMessages(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "note_set", msgs[0].ToolName)
	assert.Equal(t, "call-1", msgs[0].ToolCallID)
	assert.Empty(t, msgs[0].ParentID)
}

func TestUsage_SaveLinkAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.SaveUsage(ctx, &TurnUsage{
		ID: "u1", ConversationID: "conv-1", TurnID: "turn-1", Service: "primary", Model: "m",
		InputTokens: 10, OutputTokens: 20, Credits: 50, ToolCalls: 1, Outcome: "done", CreatedAt: now,
	}))
	require.NoError(t, s.SaveUsage(ctx, &TurnUsage{
		ID: "u2", ConversationID: "conv-2", TurnID: "turn-2",
		InputTokens: 1, OutputTokens: 2, Credits: 5, Outcome: "aborted", CreatedAt: now,
	}))

	require.NoError(t, s.LinkUsageToMessage(ctx, "turn-1", "msg-9"))

	usages, err := s.GetConversationUsage(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, "msg-9", usages[0].MessageID)
	assert.Equal(t, "primary", usages[0].Service)

	all, err := s.GetUsageStats(ctx, UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(55), all.TotalCredits)
	assert.Equal(t, int64(2), all.TurnCount)

	one, err := s.GetUsageStats(ctx, UsageFilter{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), one.TotalInput)
	assert.Equal(t, int64(20), one.TotalOutput)
	assert.Equal(t, int64(1), one.TotalTools)

	future := now.Add(time.Hour)
	none, err := s.GetUsageStats(ctx, UsageFilter{Since: &future})
	require.NoError(t, err)
	assert.Equal(t, int64(0), none.TurnCount)
}

func TestNotes_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetNote(ctx, &Note{ConversationID: "conv-1", Key: "b", Value: "first"}))
	require.NoError(t, s.SetNote(ctx, &Note{ConversationID: "conv-1", Key: "a", Value: "alpha"}))
	require.NoError(t, s.SetNote(ctx, &Note{ConversationID: "conv-1", Key: "b", Value: "second"}))

	n, err := s.GetNote(ctx, "conv-1", "b")
	require.NoError(t, err)
	assert.Equal(t, "second", n.Value)

	notes, err := s.ListNotes(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "a", notes[0].Key)

	_, err = s.GetNote(ctx, "conv-2", "b")
	assert.ErrorIs(t, err, ErrNotFound)
}
