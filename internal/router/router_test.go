// ABOUTME: Tests for service fallback and error classification in the router
// ABOUTME: Uses scripted fake services to check call order, commitment and exhaustion

package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-turns/internal/llm"
)

type fakeService struct {
	name      string
	callErr   error
	chunks    []llm.Chunk
	maxTokens int
	unsafe    bool

	mu    sync.Mutex
	calls int
	seen  []*llm.Request
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) MaxOutputTokens(string) int { return f.maxTokens }

func (f *fakeService) SafeInputCheck(context.Context, string) (bool, error) {
	return !f.unsafe, nil
}

func (f *fakeService) GenerateResponseStreaming(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, req)
	f.mu.Unlock()

	if f.callErr != nil {
		return nil, f.callErr
	}
	ch := make(chan llm.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func drain(s *Stream) []llm.Chunk {
	var out []llm.Chunk
	for c := range s.Chunks {
		out = append(out, c)
	}
	return out
}

func userRequest(text string) *llm.Request {
	return &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: text}}}
}

func TestGenerate_FirstServiceSucceeds(t *testing.T) {
	a := &fakeService{name: "a", chunks: []llm.Chunk{{Text: "hi"}}}
	b := &fakeService{name: "b", chunks: []llm.Chunk{{Text: "unused"}}}

	s, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "a", s.Service)
	assert.Equal(t, []llm.Chunk{{Text: "hi"}}, drain(s))
	assert.Equal(t, 0, b.callCount())
}

func TestGenerate_FallsBackOnRetryableError(t *testing.T) {
	a := &fakeService{name: "a", callErr: llm.NewProviderError("a", 429, "rate limited")}
	b := &fakeService{name: "b", chunks: []llm.Chunk{{Text: "from b"}}}

	s, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "b", s.Service)
	assert.Equal(t, "from b", drain(s)[0].Text)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())
}

func TestGenerate_FallsBackOnFirstChunkError(t *testing.T) {
	a := &fakeService{name: "a", chunks: []llm.Chunk{{Err: errors.New("upstream timeout")}}}
	b := &fakeService{name: "b", chunks: []llm.Chunk{{Text: "ok"}}}

	s, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "b", s.Service)
}

func TestGenerate_FatalErrorStopsFallback(t *testing.T) {
	a := &fakeService{name: "a", callErr: llm.NewProviderError("a", 401, "bad key")}
	b := &fakeService{name: "b", chunks: []llm.Chunk{{Text: "never"}}}

	_, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.Error(t, err)
	assert.False(t, llm.IsRetryable(err))
	assert.NotErrorIs(t, err, ErrAllServicesExhausted)
	assert.Equal(t, 0, b.callCount())
}

func TestGenerate_AllExhausted(t *testing.T) {
	a := &fakeService{name: "a", callErr: llm.NewProviderError("a", 503, "down")}
	b := &fakeService{name: "b", callErr: errors.New("connection reset by peer")}

	_, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllServicesExhausted)
	assert.Contains(t, err.Error(), "connection reset by peer")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a", exhausted.Attempts[0].Service)
	assert.Equal(t, "b", exhausted.Attempts[1].Service)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())
}

func TestGenerate_RejectedInputFallsBackToNextService(t *testing.T) {
	small := &fakeService{name: "small-window", unsafe: true}
	large := &fakeService{name: "large-window", chunks: []llm.Chunk{{Text: "fits"}}}

	s, err := New([]llm.Service{small, large}, nil).Generate(context.Background(), userRequest("long prompt"))
	require.NoError(t, err)
	assert.Equal(t, "large-window", s.Service)
	assert.Equal(t, []llm.Chunk{{Text: "fits"}}, drain(s))
	assert.Equal(t, 0, small.callCount())
	assert.Equal(t, 1, large.callCount())
}

func TestGenerate_InputRejectedByEveryService(t *testing.T) {
	a := &fakeService{name: "a", unsafe: true}
	b := &fakeService{name: "b", unsafe: true}

	_, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("bad"))
	assert.ErrorIs(t, err, llm.ErrUnsafeInput)
	assert.NotErrorIs(t, err, ErrAllServicesExhausted)
	assert.Equal(t, 0, a.callCount())
	assert.Equal(t, 0, b.callCount())
}

func TestGenerate_RejectionThenRetryableFailureIsExhausted(t *testing.T) {
	a := &fakeService{name: "a", unsafe: true}
	b := &fakeService{name: "b", callErr: llm.NewProviderError("b", 503, "overloaded")}

	_, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.ErrorIs(t, err, ErrAllServicesExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.ErrorIs(t, exhausted.Attempts[0].Err, llm.ErrUnsafeInput)
	assert.Equal(t, 1, b.callCount())
}

func TestGenerate_ClampsMaxTokensAndKeepsHistory(t *testing.T) {
	a := &fakeService{name: "a", callErr: llm.NewProviderError("a", 500, "boom"), maxTokens: 100}
	b := &fakeService{name: "b", chunks: []llm.Chunk{{Text: "ok"}}, maxTokens: 1000}

	req := &llm.Request{
		MaxTokens: 500,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "one"},
			{Role: llm.RoleAssistant, Content: "two"},
			{Role: llm.RoleUser, Content: "three"},
		},
	}
	_, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, a.seen, 1)
	assert.Equal(t, 100, a.seen[0].MaxTokens)
	require.Len(t, b.seen, 1)
	assert.Equal(t, 500, b.seen[0].MaxTokens)
	assert.Equal(t, req.Messages, b.seen[0].Messages)
	assert.Equal(t, 500, req.MaxTokens, "caller request must not be mutated")
}

func TestGenerate_NoMidStreamFallback(t *testing.T) {
	a := &fakeService{name: "a", chunks: []llm.Chunk{{Text: "partial"}, {Err: llm.NewProviderError("a", 503, "dropped")}}}
	b := &fakeService{name: "b", chunks: []llm.Chunk{{Text: "never"}}}

	s, err := New([]llm.Service{a, b}, nil).Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	chunks := drain(s)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Text)
	assert.Error(t, chunks[1].Err)
	assert.Equal(t, 0, b.callCount())
}

func TestGenerate_NoServices(t *testing.T) {
	_, err := New(nil, nil).Generate(context.Background(), userRequest("hello"))
	assert.ErrorIs(t, err, ErrNoServices)
}

func TestGenerate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &fakeService{name: "a", chunks: []llm.Chunk{{Text: "hi"}}}
	_, err := New([]llm.Service{a}, nil).Generate(ctx, userRequest("hello"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.callCount())
}
