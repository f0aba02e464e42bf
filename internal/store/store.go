// ABOUTME: Store interfaces and data types for coven-turns persistence
// ABOUTME: Defines conversation state, messages, usage and notes plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose ID is taken
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation status values
const (
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Participant kinds
const (
	ParticipantHuman = "human"
	ParticipantBot   = "bot"
)

// Participant is a human or bot taking part in a conversation
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`
}

// Stats are the cumulative counters of a conversation. They only grow.
type Stats struct {
	TotalToolCalls    int64 `json:"totalToolCalls"`
	TotalCredits      int64 `json:"totalCredits"`
	TotalInputTokens  int64 `json:"totalInputTokens"`
	TotalOutputTokens int64 `json:"totalOutputTokens"`
}

// Add returns s with every counter of delta added.
func (s Stats) Add(delta Stats) Stats {
	return Stats{
		TotalToolCalls:    s.TotalToolCalls + delta.TotalToolCalls,
		TotalCredits:      s.TotalCredits + delta.TotalCredits,
		TotalInputTokens:  s.TotalInputTokens + delta.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens + delta.TotalOutputTokens,
	}
}

// IsZero reports whether no counter has been incremented.
func (s Stats) IsZero() bool {
	return s == Stats{}
}

// ConversationConfig holds model selection and cumulative stats for a conversation
type ConversationConfig struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	MaxTokens    int    `json:"maxTokens,omitempty"`
	Stats        Stats  `json:"stats"`
}

// ConfigPatch is one config write. Each non-nil field group replaces the stored
// group; nil groups are left as they are.
type ConfigPatch struct {
	Model        *string `json:"model,omitempty"`
	SystemPrompt *string `json:"systemPrompt,omitempty"`
	MaxTokens    *int    `json:"maxTokens,omitempty"`
	Stats        *Stats  `json:"stats,omitempty"`

	// AddStats is added to the stats after Stats is applied.
	AddStats *Stats `json:"addStats,omitempty"`
}

// Apply returns cfg with the patch's field groups written over it.
func (p ConfigPatch) Apply(cfg ConversationConfig) ConversationConfig {
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		cfg.SystemPrompt = *p.SystemPrompt
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	if p.Stats != nil {
		cfg.Stats = *p.Stats
	}
	if p.AddStats != nil {
		cfg.Stats = cfg.Stats.Add(*p.AddStats)
	}
	return cfg
}

// TeamConfig holds team-level settings attached to a conversation
type TeamConfig struct {
	TeamID   string            `json:"teamId"`
	Name     string            `json:"name,omitempty"`
	Members  []string          `json:"members,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Clone returns a copy that shares no slices or maps with t.
func (t TeamConfig) Clone() TeamConfig {
	if t.Members != nil {
		t.Members = append([]string(nil), t.Members...)
	}
	if t.Settings != nil {
		settings := make(map[string]string, len(t.Settings))
		for k, v := range t.Settings {
			settings[k] = v
		}
		t.Settings = settings
	}
	return t
}

// ConversationState identifies one conversation and carries its mutable config
type ConversationState struct {
	ID           string             `json:"id"`
	Participants []Participant      `json:"participants"`
	Status       string             `json:"status"`
	Config       ConversationConfig `json:"config"`
	Team         *TeamConfig        `json:"team,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy so cached states are never shared with callers.
func (c *ConversationState) Clone() *ConversationState {
	if c == nil {
		return nil
	}
	out := *c
	if c.Participants != nil {
		out.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.Team != nil {
		team := c.Team.Clone()
		out.Team = &team
	}
	return &out
}

// Bot returns the first bot participant, or nil if there is none.
func (c *ConversationState) Bot() *Participant {
	for i := range c.Participants {
		if c.Participants[i].Kind == ParticipantBot {
			return &c.Participants[i]
		}
	}
	return nil
}

// Message roles
const (
	RoleUser   = "user"
	RoleBot    = "bot"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// Message status values. Only "sent" messages are immutable.
const (
	MessageStatusSent    = "sent"
	MessageStatusFailed  = "failed"
	MessageStatusEditing = "editing"
	MessageStatusAborted = "aborted"
)

// Message is a single message within a conversation
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	ParentID       string    `json:"parentId,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	ToolName       string    `json:"toolName,omitempty"`   // role tool: the tool that produced the content
	ToolCallID     string    `json:"toolCallId,omitempty"` // links a tool result to the call that asked for it
	CreatedAt      time.Time `json:"createdAt"`
}

// TurnUsage records the token and credit consumption of one response turn
type TurnUsage struct {
	ID             string
	ConversationID string
	TurnID         string
	MessageID      string // bot message the turn produced, if any
	Service        string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	Credits        int64
	ToolCalls      int64
	Outcome        string // done, suspended, aborted, error
	CreatedAt      time.Time
}

// UsageFilter narrows GetUsageStats
type UsageFilter struct {
	ConversationID string
	Since          *time.Time
	Until          *time.Time
}

// UsageStats aggregates TurnUsage rows
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalCredits int64
	TotalTools   int64
	TurnCount    int64
}

// Note is a key-value note scoped to a conversation
type Note struct {
	ID             string
	ConversationID string
	Key            string
	Value          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StateStore is the durable tier for conversation state
type StateStore interface {
	CreateConversationState(ctx context.Context, state *ConversationState) error
	LoadConversationState(ctx context.Context, id string) (*ConversationState, error)
	SaveConversationState(ctx context.Context, state *ConversationState) error
}

// MessageStore persists conversation messages
type MessageStore interface {
	AddMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// UsageStore records per-turn consumption
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TurnUsage) error
	LinkUsageToMessage(ctx context.Context, turnID, messageID string) error
	GetConversationUsage(ctx context.Context, conversationID string) ([]*TurnUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// NoteStore backs the builtin note tools
type NoteStore interface {
	SetNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, conversationID, key string) (*Note, error)
	ListNotes(ctx context.Context, conversationID string) ([]*Note, error)
}

// Store is everything the service persists
type Store interface {
	StateStore
	MessageStore
	UsageStore
	NoteStore

	// Close releases any resources held by the store
	Close() error
}
