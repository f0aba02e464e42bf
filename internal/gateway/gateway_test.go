// ABOUTME: Tests for the gateway HTTP API
// ABOUTME: Drives real conversation, state cache and SQLite stacks through httptest

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-turns/internal/builtins"
	"github.com/2389/coven-turns/internal/conversation"
	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/response"
	"github.com/2389/coven-turns/internal/router"
	"github.com/2389/coven-turns/internal/statecache"
	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

// scriptedService replays one chunk script per call.
type scriptedService struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   int
}

func (f *scriptedService) Name() string                                         { return "scripted" }
func (f *scriptedService) MaxOutputTokens(string) int                           { return 0 }
func (f *scriptedService) SafeInputCheck(context.Context, string) (bool, error) { return true, nil }

func (f *scriptedService) GenerateResponseStreaming(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	chunks := []llm.Chunk{{Text: "unscripted"}}
	if f.calls < len(f.scripts) {
		chunks = f.scripts[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type testEnv struct {
	gw     *Gateway
	server *httptest.Server
	store  *store.SQLiteStore
}

func newTestEnv(t *testing.T, scripts ...[]llm.Chunk) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	states := statecache.New(s, statecache.NoopCache{}, statecache.Options{DebounceWindow: 20 * time.Millisecond})
	t.Cleanup(func() { _ = states.Close(context.Background()) })

	runner := tools.NewRunner(nil, nil)
	require.NoError(t, builtins.Register(runner, s))

	responder := response.New(states, router.New([]llm.Service{&scriptedService{scripts: scripts}}, nil), runner, response.Options{})
	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	gw := New(Deps{
		States:       states,
		Conversation: conversation.New(s, states, responder, b, nil),
		Watches:      b,
		Usage:        s,
		Tools:        runner,
		Approvals:    responder,
	}, Options{})
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	return &testEnv{gw: gw, server: server, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createConversation(t *testing.T, id string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations",
		`{"id":"`+id+`","participants":[{"id":"u1","kind":"human"},{"id":"bot-1","name":"Helper","kind":"bot"}],"model":"m1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type sseEvent struct {
	Name string
	Data string
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestConversation_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "conv-1")

	resp := env.do(t, http.MethodGet, "/api/conversations/conv-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[store.ConversationState](t, resp)
	assert.Equal(t, "conv-1", state.ID)
	assert.Equal(t, "m1", state.Config.Model)
	assert.Equal(t, store.StatusInProgress, state.Status)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1?fresh=true", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1?fresh=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversation_CreateGeneratesID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/conversations", `{"participants":[{"id":"u1","kind":"human"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	state := decode[store.ConversationState](t, resp)
	assert.NotEmpty(t, state.ID)
}

func TestConversation_CreateErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "conv-1")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate id", `{"id":"conv-1","participants":[{"id":"u1","kind":"human"}]}`, http.StatusConflict},
		{"no participants", `{"id":"x"}`, http.StatusBadRequest},
		{"bad kind", `{"participants":[{"id":"u1","kind":"robot"}]}`, http.StatusBadRequest},
		{"unknown field", `{"participants":[{"id":"u1","kind":"human"}],"colour":"red"}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/conversations", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestConversation_UpdateConfigAndTeam(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "conv-1")

	resp := env.do(t, http.MethodPatch, "/api/conversations/conv-1/config", `{"model":"m2","maxTokens":256}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[store.ConversationState](t, resp)
	assert.Equal(t, "m2", state.Config.Model)
	assert.Equal(t, 256, state.Config.MaxTokens)

	resp = env.do(t, http.MethodPut, "/api/conversations/conv-1/team", `{"teamId":"t1","members":["u1","u2"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = decode[store.ConversationState](t, resp)
	require.NotNil(t, state.Team)
	assert.Equal(t, "t1", state.Team.TeamID)

	// Debounced writes reach SQLite
	assert.Eventually(t, func() bool {
		durable, err := env.store.LoadConversationState(context.Background(), "conv-1")
		return err == nil && durable.Config.Model == "m2" && durable.Team != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConversation_UpdateErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "conv-1")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPatch, "/api/conversations/conv-1/config", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPatch, "/api/conversations/conv-1/config", `{"maxTokens":-1}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPatch, "/api/conversations/conv-1/config", `{"stats":{"totalCredits":5}}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPatch, "/api/conversations/missing/config", `{"model":"m"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/api/conversations/conv-1/team", `{"name":"no id"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/api/conversations/missing/team", `{"teamId":"t"}`).StatusCode)
}

func TestConversation_EvictKeepsDurableCopy(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "conv-1")
	env.do(t, http.MethodPatch, "/api/conversations/conv-1/config", `{"model":"m3"}`)

	resp := env.do(t, http.MethodDelete, "/api/conversations/conv-1/cache", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "m3", decode[store.ConversationState](t, resp).Config.Model)
}

func TestSendMessage_StreamsTurn(t *testing.T) {
	env := newTestEnv(t, []llm.Chunk{
		{Text: "**Hel"}, {Text: "lo**"}, {Usage: &llm.Usage{InputTokens: 5, OutputTokens: 2}},
	})
	env.createConversation(t, "conv-1")

	resp := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"hi","userId":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"started", "text", "text", "done"}, names(events))

	var started TurnStarted
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &started))
	assert.Equal(t, "conv-1", started.ConversationID)
	assert.NotEmpty(t, started.MessageID)
	assert.NotEmpty(t, started.TurnID)

	var done response.Event
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &done))
	assert.Equal(t, started.TurnID, done.TurnID)
	require.NotNil(t, done.Stats)
	assert.Equal(t, int64(5), done.Stats.InputTokens)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[HistoryResponse](t, resp)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hi", history.Messages[0].Content)
	assert.Equal(t, "**Hello**", history.Messages[1].Content)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1/messages?format=html", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), "<strong>Hello</strong>")

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1/usage", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[ConversationUsageResponse](t, resp)
	require.Len(t, usage.Turns, 1)
	assert.Equal(t, "done", usage.Turns[0].Outcome)
	assert.Equal(t, int64(1), usage.Totals.Turns)
	assert.Equal(t, int64(2), usage.Totals.OutputTokens)
}

func TestSendMessage_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "conv-1")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"  "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", `not json`).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/conversations/missing/messages", `{"content":"hi"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/conversations/missing/messages", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/conversations/conv-1/messages?limit=0", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/conversations/conv-1/messages?format=xml", "").StatusCode)
}

func TestApprove_ResumesSuspendedTurn(t *testing.T) {
	env := newTestEnv(t,
		[]llm.Chunk{{ToolCall: &llm.ToolCall{ID: "c1", Name: "note_set", Arguments: json.RawMessage(`{"key":"color","value":"blue"}`)}}},
		[]llm.Chunk{{Text: "Noted."}},
	)
	env.createConversation(t, "conv-1")

	resp := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"remember blue"}`)
	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"started", "tool_call", "tool_approval_request", "done"}, names(events))

	var done response.Event
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &done))
	assert.True(t, done.Suspended)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1/approvals", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[PendingResponse](t, resp)
	require.Len(t, pending.Pending, 1)
	assert.Equal(t, "c1", pending.Pending[0].ID)
	assert.Equal(t, "note_set", pending.Pending[0].Name)

	resp = env.do(t, http.MethodPost, "/api/conversations/conv-1/approvals", `{"toolCallId":"c1","approved":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = readSSE(t, resp.Body)
	assert.Equal(t, []string{"started", "tool_result", "text", "done"}, names(events))

	note, err := env.store.GetNote(context.Background(), "conv-1", "color")
	require.NoError(t, err)
	assert.Equal(t, "blue", note.Value)

	resp = env.do(t, http.MethodPost, "/api/conversations/conv-1/approvals", `{"toolCallId":"c1","approved":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/conversations/conv-1/approvals", `{"approved":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/conversations/conv-1/approvals", "")
	assert.Empty(t, decode[PendingResponse](t, resp).Pending)
}

func TestListTools(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]ToolInfo](t, resp)

	byName := map[string]ToolInfo{}
	for _, ti := range list {
		byName[ti.Name] = ti
	}
	require.Contains(t, byName, "note_set")
	assert.True(t, byName["note_set"].RequiresApproval)
	assert.Equal(t, "medium", byName["note_set"].Risk)
	assert.False(t, byName["current_time"].RequiresApproval)
}

func TestWatch_StreamsSavedMessages(t *testing.T) {
	env := newTestEnv(t, []llm.Chunk{{Text: "pong"}})
	env.createConversation(t, "conv-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/conversations/conv-1/watch", nil)
	require.NoError(t, err)
	watchResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer watchResp.Body.Close()
	require.Equal(t, http.StatusOK, watchResp.StatusCode)

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(watchResp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "watch stream closed")
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("no line starting with %q", prefix)
			}
		}
	}
	waitFor("event: watching")

	resp := env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"ping"}`)
	readSSE(t, resp.Body)

	var got []string
	for len(got) < 2 {
		waitFor("event: message")
		var msg store.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(waitFor("data: "), "data: ")), &msg))
		got = append(got, msg.Content)
	}
	assert.Equal(t, []string{"ping", "pong"}, got)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/conversations/missing/watch", "").StatusCode)
}

func TestUsageStats_Filters(t *testing.T) {
	env := newTestEnv(t, []llm.Chunk{{Text: "a"}, {Usage: &llm.Usage{InputTokens: 3, OutputTokens: 1}}})
	env.createConversation(t, "conv-1")
	readSSE(t, env.do(t, http.MethodPost, "/api/conversations/conv-1/messages", `{"content":"q"}`).Body)

	resp := env.do(t, http.MethodGet, "/api/usage", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals := decode[UsageTotalsResponse](t, resp)
	assert.Equal(t, int64(1), totals.Turns)
	assert.Equal(t, int64(3), totals.InputTokens)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = env.do(t, http.MethodGet, "/api/usage?since="+future, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decode[UsageTotalsResponse](t, resp).Turns)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/usage?until=yesterday", "").StatusCode)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.gw.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
