// ABOUTME: Note tools give the bot key-value memory scoped to the current conversation
// ABOUTME: note_set changes state and is gated at medium risk; reads are low risk

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

// ErrNoConversation is returned when a note tool runs outside a conversation.
var ErrNoConversation = errors.New("note tools need a conversation")

// NoteTools returns note_set, note_get and note_list backed by s.
func NoteTools(s store.NoteStore) []*tools.Tool {
	n := &noteHandlers{store: s}
	return []*tools.Tool{
		{
			Name:        "note_set",
			Description: "Store a note under a key for this conversation, replacing any previous value",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
			Risk:        tools.RiskMedium,
			Handler:     n.Set,
		},
		{
			Name:        "note_get",
			Description: "Retrieve a note of this conversation by key",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			Risk:        tools.RiskLow,
			Handler:     n.Get,
		},
		{
			Name:        "note_list",
			Description: "List the note keys of this conversation",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Risk:        tools.RiskLow,
			Handler:     n.List,
		},
	}
}

type noteHandlers struct {
	store store.NoteStore
}

type noteSetInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type noteGetInput struct {
	Key string `json:"key"`
}

func conversationOf(ctx context.Context) (string, error) {
	id := tools.ConversationID(ctx)
	if id == "" {
		return "", ErrNoConversation
	}
	return id, nil
}

func (n *noteHandlers) Set(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	convID, err := conversationOf(ctx)
	if err != nil {
		return nil, err
	}
	var in noteSetInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(in.Key) == "" {
		return nil, fmt.Errorf("invalid input: key is required")
	}

	note := &store.Note{
		ConversationID: convID,
		Key:            in.Key,
		Value:          in.Value,
	}
	if err := n.store.SetNote(ctx, note); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": in.Key, "status": "saved"})
}

func (n *noteHandlers) Get(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	convID, err := conversationOf(ctx)
	if err != nil {
		return nil, err
	}
	var in noteGetInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	note, err := n.store.GetNote(ctx, convID, in.Key)
	if errors.Is(err, store.ErrNotFound) {
		return json.Marshal(map[string]any{"key": in.Key, "found": false})
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"key": note.Key, "value": note.Value, "found": true})
}

func (n *noteHandlers) List(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	convID, err := conversationOf(ctx)
	if err != nil {
		return nil, err
	}

	notes, err := n.store.ListNotes(ctx, convID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(notes))
	for i, note := range notes {
		keys[i] = note.Key
	}

	return json.Marshal(map[string]any{"keys": keys, "count": len(keys)})
}
