// ABOUTME: ConversationService records messages and runs bot turns on top of the response pipeline
// ABOUTME: The user message is persisted before the turn starts; the bot's output is persisted as it streams

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-turns/internal/response"
	"github.com/2389/coven-turns/internal/store"
)

// ErrEmptyMessage is returned when a message has no content.
var ErrEmptyMessage = errors.New("message content is required")

// DefaultHistoryLimit is how many stored messages are sent with a turn.
const DefaultHistoryLimit = 200

// MessageStore is what the service persists to.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	SaveUsage(ctx context.Context, usage *store.TurnUsage) error
	LinkUsageToMessage(ctx context.Context, turnID, messageID string) error
}

// StateReader resolves conversation state.
type StateReader interface {
	Get(ctx context.Context, id string, invalidate bool) (*store.ConversationState, error)
}

// Responder runs bot turns.
type Responder interface {
	GenerateResponse(ctx context.Context, req *response.Request) (*response.Turn, error)
	ResumeTurn(ctx context.Context, d response.Decision) (*response.Turn, error)
}

// Service is the conversation layer. Every message of a turn flows through it
// and is saved before watchers hear about it.
type Service struct {
	store        MessageStore
	states       StateReader
	responder    Responder
	broadcaster  *Broadcaster
	historyLimit int
	logger       *slog.Logger
}

// New creates a Service. broadcaster may be nil.
func New(messages MessageStore, states StateReader, responder Responder, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        messages,
		states:       states,
		responder:    responder,
		broadcaster:  broadcaster,
		historyLimit: DefaultHistoryLimit,
		logger:       logger.With("component", "conversation"),
	}
}

// SetHistoryLimit changes how many stored messages are sent with a turn.
func (s *Service) SetHistoryLimit(n int) {
	if n > 0 {
		s.historyLimit = n
	}
}

// SendRequest is a user message that should get a bot reply.
type SendRequest struct {
	ConversationID string
	UserID         string
	UserName       string
	Timezone       string
	Content        string

	// Optional per-turn overrides
	Bot       response.Bot
	Tools     []string
	MaxTokens int
}

// SendResponse is the running bot turn.
type SendResponse struct {
	ConversationID string
	MessageID      string // the saved user message
	TurnID         string
	Events         <-chan *response.Event // persisted as they pass through

	turn *response.Turn
}

// Err reports the turn's terminal error once Events is drained.
func (r *SendResponse) Err() error {
	return r.turn.Err()
}

// SendMessage records the user message, then starts the bot turn and returns
// a stream that persists the bot's output as it flows.
//
// The user message is saved before the model is called, so it is kept even
// when the turn fails to start.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", response.ErrInvalidRequest)
	}

	state, err := s.states.Get(ctx, req.ConversationID, false)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", response.ErrConversationNotFound, req.ConversationID)
	}

	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        req.Content,
		Status:         store.MessageStatusSent,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AddMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	s.publish(userMsg)

	s.logger.Debug("user message recorded",
		"conversation_id", req.ConversationID,
		"message_id", userMsg.ID,
		"user_id", req.UserID)

	stored, err := s.store.ListMessages(ctx, req.ConversationID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history := make([]store.Message, len(stored))
	for i, m := range stored {
		history[i] = *m
	}

	bot := req.Bot
	if p := state.Bot(); p != nil {
		if bot.ID == "" {
			bot.ID = p.ID
		}
		if bot.Name == "" {
			bot.Name = p.Name
		}
	}

	turn, err := s.responder.GenerateResponse(ctx, &response.Request{
		ConversationID: req.ConversationID,
		Messages:       history,
		Bot:            bot,
		UserData:       response.UserData{ID: req.UserID, Name: req.UserName, Timezone: req.Timezone},
		Tools:          req.Tools,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("starting turn: %w", err)
	}

	return &SendResponse{
		ConversationID: req.ConversationID,
		MessageID:      userMsg.ID,
		TurnID:         turn.ID,
		Events:         s.persistTurn(req.ConversationID, turn),
		turn:           turn,
	}, nil
}

// ApproveRequest is a human decision on a pending tool call.
type ApproveRequest struct {
	ConversationID string
	ToolCallID     string
	Approved       bool
	Reason         string
}

// Approve resumes a turn that was suspended on a tool approval.
func (s *Service) Approve(ctx context.Context, req *ApproveRequest) (*SendResponse, error) {
	turn, err := s.responder.ResumeTurn(ctx, response.Decision{
		ConversationID: req.ConversationID,
		ToolCallID:     req.ToolCallID,
		Approved:       req.Approved,
		Reason:         req.Reason,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tool call decided",
		"conversation_id", req.ConversationID,
		"tool_call_id", req.ToolCallID,
		"approved", req.Approved)

	return &SendResponse{
		ConversationID: req.ConversationID,
		TurnID:         turn.ID,
		Events:         s.persistTurn(req.ConversationID, turn),
		turn:           turn,
	}, nil
}

// GetHistory returns the most recent messages of a conversation, oldest first.
func (s *Service) GetHistory(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}

// persistTurn forwards the turn's events while saving what they produce.
// Bot text is saved as one message per stretch between tool calls so the
// stored order matches the order the model produced it.
func (s *Service) persistTurn(conversationID string, turn *response.Turn) <-chan *response.Event {
	out := make(chan *response.Event, 16)

	go func() {
		defer close(out)

		var text strings.Builder
		var lastBotMsg string

		flushText := func(status string) {
			if text.Len() == 0 {
				return
			}
			msg := &store.Message{
				ID:             uuid.New().String(),
				ConversationID: conversationID,
				Role:           store.RoleBot,
				Content:        text.String(),
				Status:         status,
			}
			text.Reset()
			if s.saveMessage(msg) {
				lastBotMsg = msg.ID
			}
		}

		for ev := range turn.Events {
			switch ev.Type {
			case response.EventText:
				text.WriteString(ev.Text)

			case response.EventToolCall:
				flushText(store.MessageStatusSent)
				s.saveMessage(&store.Message{
					ID:             uuid.New().String(),
					ConversationID: conversationID,
					Role:           store.RoleBot,
					Content:        string(ev.ToolCall.Arguments),
					ToolName:       ev.ToolCall.Name,
					ToolCallID:     ev.ToolCall.ID,
					Status:         store.MessageStatusSent,
				})

			case response.EventToolResult:
				s.saveMessage(&store.Message{
					ID:             uuid.New().String(),
					ConversationID: conversationID,
					Role:           store.RoleTool,
					Content:        string(ev.Result),
					ToolName:       ev.ToolCall.Name,
					ToolCallID:     ev.ToolCall.ID,
					Status:         store.MessageStatusSent,
				})

			case response.EventToolError:
				payload, _ := json.Marshal(map[string]string{"error": ev.Error})
				s.saveMessage(&store.Message{
					ID:             uuid.New().String(),
					ConversationID: conversationID,
					Role:           store.RoleTool,
					Content:        string(payload),
					ToolName:       ev.ToolCall.Name,
					ToolCallID:     ev.ToolCall.ID,
					Status:         store.MessageStatusSent,
				})

			case response.EventDone, response.EventAborted, response.EventError:
				flushText(terminalStatus(ev.Type))
				s.saveUsage(conversationID, turn.ID, ev, lastBotMsg)
			}

			select {
			case out <- ev:
			case <-time.After(5 * time.Second):
				s.logger.Warn("event channel full, dropping event",
					"conversation_id", conversationID,
					"turn_id", turn.ID,
					"event", ev.Type)
			}
		}
	}()

	return out
}

func terminalStatus(t response.EventType) string {
	switch t {
	case response.EventAborted:
		return store.MessageStatusAborted
	case response.EventError:
		return store.MessageStatusFailed
	}
	return store.MessageStatusSent
}

func outcome(ev *response.Event) string {
	if ev.Type == response.EventDone && ev.Suspended {
		return "suspended"
	}
	return string(ev.Type)
}

// saveMessage persists msg with its own timeout so a cancelled request still
// records what was produced. It reports whether the save succeeded.
func (s *Service) saveMessage(msg *store.Message) bool {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg.CreatedAt = time.Now()
	if err := s.store.AddMessage(saveCtx, msg); err != nil {
		s.logger.Error("failed to save message",
			"error", err,
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"role", msg.Role)
		return false
	}
	s.publish(msg)
	return true
}

func (s *Service) saveUsage(conversationID, turnID string, ev *response.Event, messageID string) {
	if ev.Stats == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	usage := &store.TurnUsage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		TurnID:         turnID,
		Service:        ev.Stats.Service,
		Model:          ev.Stats.Model,
		InputTokens:    ev.Stats.InputTokens,
		OutputTokens:   ev.Stats.OutputTokens,
		Credits:        ev.Stats.Credits,
		ToolCalls:      ev.Stats.ToolCalls,
		Outcome:        outcome(ev),
		CreatedAt:      time.Now(),
	}
	if err := s.store.SaveUsage(saveCtx, usage); err != nil {
		s.logger.Error("failed to save usage", "error", err, "turn_id", turnID)
		return
	}
	if messageID == "" {
		return
	}
	if err := s.store.LinkUsageToMessage(saveCtx, turnID, messageID); err != nil {
		s.logger.Error("failed to link usage to message",
			"error", err,
			"turn_id", turnID,
			"message_id", messageID)
	}
}

func (s *Service) publish(msg *store.Message) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(msg)
	}
}
