// ABOUTME: Tests for ConversationService
// ABOUTME: Runs real turns against SQLite and checks what gets persisted and broadcast

package conversation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/response"
	"github.com/2389/coven-turns/internal/router"
	"github.com/2389/coven-turns/internal/statecache"
	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

const convID = "conv-1"

// scriptedService replays one chunk script per call and records requests.
type scriptedService struct {
	scripts [][]llm.Chunk
	callErr error

	mu       sync.Mutex
	requests []llm.Request
}

func (f *scriptedService) Name() string                                         { return "scripted" }
func (f *scriptedService) MaxOutputTokens(string) int                           { return 0 }
func (f *scriptedService) SafeInputCheck(context.Context, string) (bool, error) { return true, nil }

func (f *scriptedService) GenerateResponseStreaming(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	seen := *req
	seen.Messages = append([]llm.Message(nil), req.Messages...)
	f.requests = append(f.requests, seen)
	idx := len(f.requests) - 1
	f.mu.Unlock()

	if f.callErr != nil {
		return nil, f.callErr
	}
	chunks := []llm.Chunk{{Text: "unscripted"}}
	if idx < len(f.scripts) {
		chunks = f.scripts[idx]
	}
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *scriptedService) request(i int) llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fixture struct {
	svc         *Service
	store       *store.SQLiteStore
	runner      *tools.Runner
	broadcaster *Broadcaster
}

func newFixture(t *testing.T, llmSvc llm.Service) *fixture {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	require.NoError(t, s.CreateConversationState(context.Background(), &store.ConversationState{
		ID:           convID,
		Participants: []store.Participant{{ID: "u1", Kind: store.ParticipantHuman}, {ID: "bot-1", Name: "Helper", Kind: store.ParticipantBot}},
		Status:       store.StatusInProgress,
		Config:       store.ConversationConfig{Model: "m1"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}))

	states := statecache.New(s, statecache.NoopCache{}, statecache.Options{DebounceWindow: 20 * time.Millisecond})
	t.Cleanup(func() { _ = states.Close(context.Background()) })

	runner := tools.NewRunner(nil, nil)
	responder := response.New(states, router.New([]llm.Service{llmSvc}, nil), runner, response.Options{})
	b := NewBroadcaster(nil)
	t.Cleanup(b.Close)

	return &fixture{
		svc:         New(s, states, responder, b, nil),
		store:       s,
		runner:      runner,
		broadcaster: b,
	}
}

func drain(t *testing.T, resp *SendResponse) []*response.Event {
	t.Helper()
	var out []*response.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-resp.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func (f *fixture) history(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := f.svc.GetHistory(context.Background(), convID, 0)
	require.NoError(t, err)
	return msgs
}

func TestSendMessage_PersistsUserAndBotMessages(t *testing.T) {
	llmSvc := &scriptedService{scripts: [][]llm.Chunk{
		{{Text: "Hel"}, {Text: "lo"}, {Usage: &llm.Usage{InputTokens: 7, OutputTokens: 2}}},
	}}
	f := newFixture(t, llmSvc)

	resp, err := f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, UserID: "u1", Content: "Hi there"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.MessageID)

	evs := drain(t, resp)
	require.NotEmpty(t, evs)
	assert.Equal(t, response.EventDone, evs[len(evs)-1].Type)
	require.NoError(t, resp.Err())

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, resp.MessageID, msgs[0].ID)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi there", msgs[0].Content)
	assert.Equal(t, store.RoleBot, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)

	usage, err := f.store.GetConversationUsage(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, resp.TurnID, usage[0].TurnID)
	assert.Equal(t, "done", usage[0].Outcome)
	assert.Equal(t, int64(7), usage[0].InputTokens)
	assert.Equal(t, msgs[1].ID, usage[0].MessageID)
}

func TestSendMessage_RecordsUserMessageWhenTurnFails(t *testing.T) {
	llmSvc := &scriptedService{callErr: llm.NewProviderError("scripted", 503, "down")}
	f := newFixture(t, llmSvc)

	resp, err := f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, Content: "anyone?"})
	require.NoError(t, err)

	evs := drain(t, resp)
	require.Len(t, evs, 1)
	assert.Equal(t, response.EventError, evs[0].Type)
	assert.ErrorIs(t, resp.Err(), router.ErrAllServicesExhausted)

	msgs := f.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "anyone?", msgs[0].Content)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t, &scriptedService{})

	_, err := f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, Content: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, response.ErrConversationNotFound)

	msgs, err := f.svc.GetHistory(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessage_PersistsToolExchangeInOrder(t *testing.T) {
	llmSvc := &scriptedService{scripts: [][]llm.Chunk{
		{{Text: "Checking."}, {ToolCall: &llm.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Paris"}`)}}},
		{{Text: "21C."}},
	}}
	f := newFixture(t, llmSvc)
	require.NoError(t, f.runner.RegisterTool(&tools.Tool{
		Name: "get_weather",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"temp":21}`), nil
		},
	}))

	resp, err := f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, Content: "weather?"})
	require.NoError(t, err)
	drain(t, resp)

	msgs := f.history(t)
	require.Len(t, msgs, 5)
	assert.Equal(t, "weather?", msgs[0].Content)
	assert.Equal(t, "Checking.", msgs[1].Content)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, store.RoleBot, msgs[2].Role)
	assert.Equal(t, store.RoleTool, msgs[3].Role)
	assert.JSONEq(t, `{"temp":21}`, msgs[3].Content)
	assert.Equal(t, "21C.", msgs[4].Content)

	// The next turn sees the whole exchange
	resp, err = f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, Content: "thanks"})
	require.NoError(t, err)
	drain(t, resp)

	third := llmSvc.request(2)
	require.Len(t, third.Messages, 5)
	assert.Equal(t, llm.RoleAssistant, third.Messages[1].Role)
	require.Len(t, third.Messages[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, third.Messages[2].Role)
	assert.Equal(t, "21C.", third.Messages[3].Content)
	assert.Equal(t, "thanks", third.Messages[4].Content)
}

func TestApprove_ResumesAndPersists(t *testing.T) {
	llmSvc := &scriptedService{scripts: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "c9", Name: "note_set", Arguments: json.RawMessage(`{}`)}}},
		{{Text: "Saved."}},
	}}
	f := newFixture(t, llmSvc)
	executed := 0
	require.NoError(t, f.runner.RegisterTool(&tools.Tool{
		Name: "note_set",
		Risk: tools.RiskMedium,
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			executed++
			return json.RawMessage(`{"ok":true}`), nil
		},
	}))

	resp, err := f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, Content: "remember this"})
	require.NoError(t, err)
	evs := drain(t, resp)
	last := evs[len(evs)-1]
	require.Equal(t, response.EventDone, last.Type)
	require.True(t, last.Suspended)
	assert.Equal(t, 0, executed)

	resumed, err := f.svc.Approve(context.Background(), &ApproveRequest{ConversationID: convID, ToolCallID: "c9", Approved: true})
	require.NoError(t, err)
	drain(t, resumed)
	assert.Equal(t, 1, executed)

	msgs := f.history(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "c9", msgs[1].ToolCallID)
	assert.Equal(t, store.RoleTool, msgs[2].Role)
	assert.Equal(t, "Saved.", msgs[3].Content)

	usage, err := f.store.GetConversationUsage(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	outcomes := []string{usage[0].Outcome, usage[1].Outcome}
	assert.ElementsMatch(t, []string{"suspended", "done"}, outcomes)

	_, err = f.svc.Approve(context.Background(), &ApproveRequest{ConversationID: convID, ToolCallID: "c9", Approved: true})
	assert.ErrorIs(t, err, response.ErrApprovalNotFound)
}

func TestSendMessage_BroadcastsSavedMessages(t *testing.T) {
	llmSvc := &scriptedService{scripts: [][]llm.Chunk{{{Text: "pong"}}}}
	f := newFixture(t, llmSvc)

	watch, _ := f.broadcaster.Watch(t.Context(), convID)

	resp, err := f.svc.SendMessage(context.Background(), &SendRequest{ConversationID: convID, Content: "ping"})
	require.NoError(t, err)
	drain(t, resp)

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-watch:
			got = append(got, msg.Content)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 broadcasts, got %v", got)
		}
	}
	assert.Equal(t, []string{"ping", "pong"}, got)
}
