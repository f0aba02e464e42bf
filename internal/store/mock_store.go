// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	states   map[string]*ConversationState // keyed by conversation ID
	messages map[string][]*Message         // keyed by conversation ID
	usage    []*TurnUsage
	notes    map[string]*Note // keyed by "conversationID:key"

	loadErr error
	saveErr error

	loads int
	saves int
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		states:   make(map[string]*ConversationState),
		messages: make(map[string][]*Message),
		notes:    make(map[string]*Note),
	}
}

// SetLoadError makes every LoadConversationState call fail with err until cleared with nil.
func (m *MockStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetSaveError makes every SaveConversationState call fail with err until cleared with nil.
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// LoadCount returns how many times LoadConversationState has been called.
func (m *MockStore) LoadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}

// SaveCount returns how many SaveConversationState calls succeeded.
func (m *MockStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// CreateConversationState stores a new conversation.
func (m *MockStore) CreateConversationState(ctx context.Context, state *ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[state.ID]; exists {
		return ErrDuplicateConversation
	}
	m.states[state.ID] = state.Clone()
	return nil
}

// LoadConversationState returns a copy of the stored conversation.
func (m *MockStore) LoadConversationState(ctx context.Context, id string) (*ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	state, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// SaveConversationState overwrites the stored conversation.
func (m *MockStore) SaveConversationState(ctx context.Context, state *ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.states[state.ID] = state.Clone()
	return nil
}

// AddMessage appends a message to its conversation.
func (m *MockStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Status == "" {
		msg.Status = MessageStatusSent
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msgCopy := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &msgCopy)
	return nil
}

// ListMessages returns the most recent `limit` messages of a conversation, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		msgCopy := *msg
		result[i] = &msgCopy
	}
	return result, nil
}

// SaveUsage stores a turn usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TurnUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	usageCopy := *usage
	m.usage = append(m.usage, &usageCopy)
	return nil
}

// LinkUsageToMessage sets the message ID on every usage record of a turn.
func (m *MockStore) LinkUsageToMessage(ctx context.Context, turnID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.usage {
		if u.TurnID == turnID {
			u.MessageID = messageID
		}
	}
	return nil
}

// GetConversationUsage returns all usage records of a conversation.
func (m *MockStore) GetConversationUsage(ctx context.Context, conversationID string) ([]*TurnUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TurnUsage
	for _, u := range m.usage {
		if u.ConversationID == conversationID {
			usageCopy := *u
			result = append(result, &usageCopy)
		}
	}
	return result, nil
}

// GetUsageStats aggregates usage records matching the filter.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.ConversationID != "" && u.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalInput += u.InputTokens
		stats.TotalOutput += u.OutputTokens
		stats.TotalCredits += u.Credits
		stats.TotalTools += u.ToolCalls
		stats.TurnCount++
	}
	return &stats, nil
}

// SetNote creates or updates a note.
func (m *MockStore) SetNote(ctx context.Context, note *Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := note.ConversationID + ":" + note.Key
	now := time.Now()
	if existing, ok := m.notes[key]; ok {
		existing.Value = note.Value
		existing.UpdatedAt = now
		return nil
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	note.CreatedAt = now
	note.UpdatedAt = now
	noteCopy := *note
	m.notes[key] = &noteCopy
	return nil
}

// GetNote retrieves a note by conversation and key.
func (m *MockStore) GetNote(ctx context.Context, conversationID, key string) (*Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notes[conversationID+":"+key]
	if !ok {
		return nil, ErrNotFound
	}
	noteCopy := *n
	return &noteCopy, nil
}

// ListNotes returns all notes of a conversation ordered by key.
func (m *MockStore) ListNotes(ctx context.Context, conversationID string) ([]*Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Note
	for _, n := range m.notes {
		if n.ConversationID == conversationID {
			noteCopy := *n
			result = append(result, &noteCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
