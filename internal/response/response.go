// ABOUTME: ResponseService drives a bot turn through model rounds, tool calls and approvals
// ABOUTME: Events stream to the caller; stats reach the state cache once per stream

package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/router"
	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

var (
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid response request")

	// ErrConversationNotFound is returned when the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrApprovalNotFound is returned when no turn is waiting on the tool call.
	ErrApprovalNotFound = errors.New("no pending approval for tool call")

	// ErrToolRejected is reported to the model when a human declines a tool call.
	ErrToolRejected = errors.New("tool call rejected")

	// ErrMaxRoundsExceeded ends a turn whose model kept asking for tools.
	ErrMaxRoundsExceeded = errors.New("too many model rounds in one turn")
)

// Defaults for Options fields left zero.
const (
	DefaultMaxRounds             = 10
	DefaultMaxTokens             = 1024
	DefaultApprovalTTL           = 30 * time.Minute
	DefaultEventBuffer           = 16
	DefaultCommitTimeout         = 5 * time.Second
	DefaultCreditsPerInputToken  = 1
	DefaultCreditsPerOutputToken = 3
)

// StateStore is the conversation state the service reads and accounts into.
type StateStore interface {
	Get(ctx context.Context, id string, invalidate bool) (*store.ConversationState, error)
	UpdateConfig(ctx context.Context, id string, patch store.ConfigPatch) error
}

// Generator starts a model stream, falling back across services.
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*router.Stream, error)
}

// ToolRunner executes tool calls requested by the model.
type ToolRunner interface {
	RequiresApproval(name string) bool
	Execute(ctx context.Context, call llm.ToolCall) (*tools.Result, error)
	Schemas(names ...string) []llm.ToolSchema
}

// Bot overrides conversation settings for one turn. Zero fields fall back.
type Bot struct {
	ID                    string
	Name                  string
	Model                 string
	SystemPrompt          string
	CreditsPerInputToken  int64
	CreditsPerOutputToken int64
}

// UserData describes the human the turn answers.
type UserData struct {
	ID       string
	Name     string
	Timezone string
}

// Request asks for one bot turn.
type Request struct {
	ConversationID string
	Messages       []store.Message // prior history including the new user message
	Bot            Bot
	UserData       UserData
	Tools          []string // tool names offered to the model; empty offers all
	MaxTokens      int
}

// Decision answers a tool approval request.
type Decision struct {
	ConversationID string
	ToolCallID     string
	Approved       bool
	Reason         string
}

// Options configures a Service.
type Options struct {
	DefaultModel          string
	DefaultSystemPrompt   string
	DefaultMaxTokens      int
	MaxRounds             int
	CreditsPerInputToken  int64
	CreditsPerOutputToken int64
	ApprovalTTL           time.Duration
	EventBuffer           int
	CommitTimeout         time.Duration

	// TokenCounter estimates usage when a provider does not report it. Optional.
	TokenCounter llm.TokenCounter

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = DefaultMaxTokens
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	if o.CreditsPerInputToken <= 0 {
		o.CreditsPerInputToken = DefaultCreditsPerInputToken
	}
	if o.CreditsPerOutputToken <= 0 {
		o.CreditsPerOutputToken = DefaultCreditsPerOutputToken
	}
	if o.ApprovalTTL <= 0 {
		o.ApprovalTTL = DefaultApprovalTTL
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service generates bot turns.
type Service struct {
	states    StateStore
	gen       Generator
	runner    ToolRunner
	opts      Options
	approvals *approvalTable
	logger    *slog.Logger
}

// New creates a Service.
func New(states StateStore, gen Generator, runner ToolRunner, opts Options) *Service {
	opts.setDefaults()
	return &Service{
		states:    states,
		gen:       gen,
		runner:    runner,
		opts:      opts,
		approvals: newApprovalTable(opts.ApprovalTTL),
		logger:    opts.Logger.With("component", "response"),
	}
}

// turnState is the working context of a turn. One goroutine owns it at a time.
type turnState struct {
	conversationID string
	turnID         string
	model          string
	systemPrompt   string
	maxTokens      int
	tools          []llm.ToolSchema
	history        []llm.Message
	user           UserData
	inRate         int64
	outRate        int64
	rounds         int // model calls so far, across resumptions
	stats          TurnStats
}

// resumable copies ts for a later stream with fresh per-stream accounting.
func (ts *turnState) resumable() *turnState {
	c := *ts
	c.turnID = uuid.New().String()
	c.stats = TurnStats{Service: ts.stats.Service, Model: ts.stats.Model}
	c.history = append([]llm.Message(nil), ts.history...)
	return &c
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeDone
	outcomeSuspended
	outcomeAborted
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeSuspended:
		return "suspended"
	case outcomeAborted:
		return "aborted"
	case outcomeFailed:
		return "error"
	}
	return "continue"
}

// GenerateResponse starts a bot turn for a conversation. Errors found before
// the turn starts are returned directly; everything after arrives as events.
// Cancelling ctx aborts the turn.
func (s *Service) GenerateResponse(ctx context.Context, req *Request) (*Turn, error) {
	if req == nil || req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}

	state, err := s.states.Get(ctx, req.ConversationID, false)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", req.ConversationID, err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}

	ts := s.buildContext(req, state)
	turn := newTurn(ts.turnID, ts.conversationID, s.opts.EventBuffer)

	s.logger.Info("turn started",
		"conversation_id", ts.conversationID,
		"turn_id", ts.turnID,
		"model", ts.model,
		"history", len(ts.history),
		"tools", len(ts.tools))

	go s.run(ctx, turn, ts, nil)
	return turn, nil
}

// ResumeTurn continues a turn suspended on a tool approval.
func (s *Service) ResumeTurn(ctx context.Context, d Decision) (*Turn, error) {
	if d.ConversationID == "" || d.ToolCallID == "" {
		return nil, fmt.Errorf("%w: conversation id and tool call id are required", ErrInvalidRequest)
	}

	parked, ok := s.approvals.take(d.ConversationID, d.ToolCallID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, d.ToolCallID)
	}

	ts := parked.state
	turn := newTurn(ts.turnID, ts.conversationID, s.opts.EventBuffer)

	s.logger.Info("turn resumed",
		"conversation_id", ts.conversationID,
		"turn_id", ts.turnID,
		"tool", parked.call.Name,
		"approved", d.Approved)

	go s.run(ctx, turn, ts, &resumption{parked: parked, decision: d})
	return turn, nil
}

// Pending lists tool calls of a conversation that are waiting for a decision.
func (s *Service) Pending(conversationID string) []llm.ToolCall {
	return s.approvals.pending(conversationID)
}

type resumption struct {
	parked   *parkedTurn
	decision Decision
}

func (s *Service) buildContext(req *Request, state *store.ConversationState) *turnState {
	cfg := state.Config
	ts := &turnState{
		conversationID: req.ConversationID,
		turnID:         uuid.New().String(),
		model:          firstSet(req.Bot.Model, cfg.Model, s.opts.DefaultModel),
		systemPrompt:   firstSet(req.Bot.SystemPrompt, cfg.SystemPrompt, s.opts.DefaultSystemPrompt),
		maxTokens:      firstSet(req.MaxTokens, cfg.MaxTokens, s.opts.DefaultMaxTokens),
		history:        buildHistory(req.Messages),
		user:           req.UserData,
		inRate:         firstSet(req.Bot.CreditsPerInputToken, s.opts.CreditsPerInputToken),
		outRate:        firstSet(req.Bot.CreditsPerOutputToken, s.opts.CreditsPerOutputToken),
	}
	if s.runner != nil {
		ts.tools = s.runner.Schemas(req.Tools...)
	}
	return ts
}

func firstSet[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}

// run owns ts until the turn's stream is closed.
func (s *Service) run(ctx context.Context, turn *Turn, ts *turnState, resume *resumption) {
	out, err := s.drive(ctx, turn, ts, resume)

	commitErr := s.commit(ctx, ts, out)

	stats := ts.stats
	ev := &Event{Stats: &stats}
	switch {
	case out == outcomeAborted:
		ev.Type = EventAborted
		err = ctx.Err()
		if commitErr != nil {
			s.logger.Error("failed to commit aborted turn", "turn_id", ts.turnID, "error", commitErr)
		}
	case out == outcomeFailed:
		ev.Type, ev.Error, ev.Err = EventError, err.Error(), err
		if commitErr != nil {
			s.logger.Error("failed to commit failed turn", "turn_id", ts.turnID, "error", commitErr)
		}
	case commitErr != nil:
		out, err = outcomeFailed, commitErr
		ev.Type, ev.Error, ev.Err = EventError, err.Error(), err
	default:
		ev.Type = EventDone
		ev.Suspended = out == outcomeSuspended
		err = nil
	}

	s.logger.Info("turn finished",
		"conversation_id", ts.conversationID,
		"turn_id", ts.turnID,
		"outcome", out.String(),
		"rounds", ts.rounds,
		"service", stats.Service,
		"input_tokens", stats.InputTokens,
		"output_tokens", stats.OutputTokens,
		"credits", stats.Credits,
		"tool_calls", stats.ToolCalls)
	if err != nil && out == outcomeFailed {
		s.logger.Warn("turn failed", "turn_id", ts.turnID, "error", err)
	}

	turn.finish(ev, err)
}

func (s *Service) drive(ctx context.Context, turn *Turn, ts *turnState, resume *resumption) (outcome, error) {
	if resume != nil {
		if out := s.resolve(ctx, turn, ts, resume); out != outcomeContinue {
			return out, nil
		}
		if out := s.handleCalls(ctx, turn, ts, resume.parked.remaining); out != outcomeContinue {
			return out, nil
		}
	}

	for {
		if ctx.Err() != nil {
			return outcomeAborted, nil
		}
		if ts.rounds >= s.opts.MaxRounds {
			return outcomeFailed, fmt.Errorf("%w: limit is %d", ErrMaxRoundsExceeded, s.opts.MaxRounds)
		}
		ts.rounds++

		calls, out, err := s.round(ctx, turn, ts)
		if out != outcomeContinue {
			return out, err
		}
		if len(calls) == 0 {
			return outcomeDone, nil
		}
		if out := s.handleCalls(ctx, turn, ts, calls); out != outcomeContinue {
			return out, nil
		}
	}
}

// round makes one model call and streams its text. It returns the tool calls
// the model asked for.
func (s *Service) round(ctx context.Context, turn *Turn, ts *turnState) ([]llm.ToolCall, outcome, error) {
	req := &llm.Request{
		Model:        ts.model,
		SystemPrompt: ts.systemPrompt,
		Messages:     ts.history,
		Tools:        ts.tools,
		MaxTokens:    ts.maxTokens,
	}

	stream, err := s.gen.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, outcomeAborted, nil
		}
		return nil, outcomeFailed, err
	}
	ts.stats.Service = stream.Service
	ts.stats.Model = ts.model

	var (
		text  strings.Builder
		calls []llm.ToolCall
		usage *llm.Usage
	)
	defer func() { s.account(ts, req, text.String(), calls, usage) }()

	for {
		select {
		case <-ctx.Done():
			return nil, outcomeAborted, nil
		case chunk, ok := <-stream.Chunks:
			if !ok {
				ts.history = append(ts.history, llm.Message{
					Role:      llm.RoleAssistant,
					Content:   text.String(),
					ToolCalls: calls,
				})
				return calls, outcomeContinue, nil
			}
			switch {
			case chunk.Err != nil:
				if ctx.Err() != nil {
					return nil, outcomeAborted, nil
				}
				return nil, outcomeFailed, fmt.Errorf("streaming from %s: %w", stream.Service, chunk.Err)
			case chunk.Usage != nil:
				u := *chunk.Usage
				usage = &u
			case chunk.ToolCall != nil:
				call := *chunk.ToolCall
				if call.ID == "" {
					call.ID = "call_" + uuid.New().String()
				}
				calls = append(calls, call)
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				if !turn.emit(ctx, &Event{Type: EventText, Text: chunk.Text}) {
					return nil, outcomeAborted, nil
				}
			}
		}
	}
}

// account adds one round's usage to the turn. Provider-reported usage wins;
// otherwise the token counter estimates it.
func (s *Service) account(ts *turnState, req *llm.Request, text string, calls []llm.ToolCall, usage *llm.Usage) {
	var in, out int64
	switch {
	case usage != nil:
		in, out = usage.InputTokens, usage.OutputTokens
	case s.opts.TokenCounter != nil:
		c := s.opts.TokenCounter
		in = int64(llm.CountMessages(c, req.SystemPrompt, req.Messages))
		out = int64(c.Count(text))
		for _, call := range calls {
			out += int64(c.Count(call.Name) + c.Count(string(call.Arguments)))
		}
	}
	ts.stats.InputTokens += in
	ts.stats.OutputTokens += out
	ts.stats.Credits += in*ts.inRate + out*ts.outRate
}

// handleCalls runs tool calls in order. A call that needs approval parks the
// turn together with the calls after it.
func (s *Service) handleCalls(ctx context.Context, turn *Turn, ts *turnState, calls []llm.ToolCall) outcome {
	for i := range calls {
		call := calls[i]
		if !turn.emit(ctx, &Event{Type: EventToolCall, ToolCall: &call}) {
			return outcomeAborted
		}

		if s.runner.RequiresApproval(call.Name) {
			parked := &parkedTurn{
				state:     ts.resumable(),
				call:      call,
				remaining: append([]llm.ToolCall(nil), calls[i+1:]...),
			}
			s.approvals.park(parked)
			if !turn.emit(ctx, &Event{Type: EventToolApprovalRequest, ToolCall: &call}) {
				s.approvals.take(ts.conversationID, call.ID)
				return outcomeAborted
			}
			s.logger.Info("tool call awaiting approval",
				"conversation_id", ts.conversationID,
				"turn_id", ts.turnID,
				"tool", call.Name,
				"tool_call_id", call.ID)
			return outcomeSuspended
		}

		if out := s.execute(ctx, turn, ts, call); out != outcomeContinue {
			return out
		}
	}
	return outcomeContinue
}

// resolve applies a human decision to the parked tool call.
func (s *Service) resolve(ctx context.Context, turn *Turn, ts *turnState, r *resumption) outcome {
	call := r.parked.call
	if r.decision.Approved {
		return s.execute(ctx, turn, ts, call)
	}

	reason := r.decision.Reason
	if reason == "" {
		reason = "declined by user"
	}
	return s.toolFailed(ctx, turn, ts, call, fmt.Errorf("%w: %s", ErrToolRejected, reason))
}

func (s *Service) execute(ctx context.Context, turn *Turn, ts *turnState, call llm.ToolCall) outcome {
	tctx := tools.WithCallInfo(ctx, tools.CallInfo{
		ConversationID: ts.conversationID,
		TurnID:         ts.turnID,
		UserID:         ts.user.ID,
		Timezone:       ts.user.Timezone,
	})

	res, err := s.runner.Execute(tctx, call)
	ts.stats.ToolCalls++
	if ctx.Err() != nil {
		return outcomeAborted
	}
	if err != nil {
		return s.toolFailed(ctx, turn, ts, call, err)
	}

	output := res.Output
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	ts.history = append(ts.history, llm.Message{
		Role:       llm.RoleTool,
		Content:    string(output),
		ToolCallID: call.ID,
		Name:       call.Name,
	})
	if !turn.emit(ctx, &Event{Type: EventToolResult, ToolCall: &call, Result: output}) {
		return outcomeAborted
	}
	return outcomeContinue
}

// toolFailed reports a failed or rejected call and feeds the failure back to
// the model so it can recover.
func (s *Service) toolFailed(ctx context.Context, turn *Turn, ts *turnState, call llm.ToolCall, err error) outcome {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	ts.history = append(ts.history, llm.Message{
		Role:       llm.RoleTool,
		Content:    string(payload),
		ToolCallID: call.ID,
		Name:       call.Name,
	})
	if !turn.emit(ctx, &Event{Type: EventToolError, ToolCall: &call, Error: err.Error(), Err: err}) {
		return outcomeAborted
	}
	return outcomeContinue
}

// commit adds the stream's stats to the conversation. It runs once per stream,
// including aborted ones, and outlives the caller's context.
func (s *Service) commit(ctx context.Context, ts *turnState, out outcome) error {
	delta := ts.stats.delta()
	if out == outcomeFailed && delta.IsZero() {
		return nil
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CommitTimeout)
	defer cancel()

	if err := s.states.UpdateConfig(cctx, ts.conversationID, store.ConfigPatch{AddStats: &delta}); err != nil {
		return fmt.Errorf("committing turn stats: %w", err)
	}
	return nil
}
