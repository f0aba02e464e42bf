// ABOUTME: In-memory fan-out of persisted messages to watchers of a conversation
// ABOUTME: Slow watchers lose messages instead of blocking the turn that produced them

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-turns/internal/store"
)

// watcherBufferSize is the channel buffer for each watcher.
const watcherBufferSize = 64

// Broadcaster publishes persisted messages to everyone watching a conversation.
type Broadcaster struct {
	mu       sync.RWMutex
	watchers map[string]map[string]chan *store.Message // conversationID -> watchID -> ch
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		watchers: make(map[string]map[string]chan *store.Message),
		logger:   logger.With("component", "broadcaster"),
	}
}

// Watch registers for messages of a conversation. The returned channel is
// closed when ctx is cancelled, on Unwatch, or on Close.
func (b *Broadcaster) Watch(ctx context.Context, conversationID string) (<-chan *store.Message, string) {
	watchID := uuid.New().String()
	ch := make(chan *store.Message, watcherBufferSize)

	b.mu.Lock()
	if _, ok := b.watchers[conversationID]; !ok {
		b.watchers[conversationID] = make(map[string]chan *store.Message)
	}
	b.watchers[conversationID][watchID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "conversation_id", conversationID, "watch_id", watchID)

	go func() {
		<-ctx.Done()
		b.Unwatch(conversationID, watchID)
	}()

	return ch, watchID
}

// Publish sends msg to every watcher of its conversation without blocking.
func (b *Broadcaster) Publish(msg *store.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for watchID, ch := range b.watchers[msg.ConversationID] {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped message for slow watcher",
				"conversation_id", msg.ConversationID,
				"watch_id", watchID,
				"message_id", msg.ID)
		}
	}
}

// Unwatch removes a watcher and closes its channel.
func (b *Broadcaster) Unwatch(conversationID, watchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.watchers[conversationID]
	ch, ok := subs[watchID]
	if !ok {
		return
	}
	delete(subs, watchID)
	close(ch)
	if len(subs) == 0 {
		delete(b.watchers, conversationID)
	}

	b.logger.Debug("watcher removed", "conversation_id", conversationID, "watch_id", watchID)
}

// Watchers returns the number of watchers of a conversation.
func (b *Broadcaster) Watchers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers[conversationID])
}

// Close closes every watcher channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conversationID, subs := range b.watchers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.watchers, conversationID)
	}
}
